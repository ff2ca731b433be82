package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sharemeal/backend/internal/fulfillment"
	"github.com/sharemeal/backend/internal/repository"
)

type FulfillmentStore struct {
	mu             sync.Mutex
	nextBookingID  int64
	nextDeliveryID int64
	bookings       map[int64]*repository.Booking
	deliveries     map[int64]*repository.Delivery
	byBooking      map[int64]int64
	events         map[int64][]*repository.ShipmentEvent
}

func NewFulfillmentStore() *FulfillmentStore {
	return &FulfillmentStore{
		nextBookingID:  1,
		nextDeliveryID: 1,
		bookings:       make(map[int64]*repository.Booking),
		deliveries:     make(map[int64]*repository.Delivery),
		byBooking:      make(map[int64]int64),
		events:         make(map[int64][]*repository.ShipmentEvent),
	}
}

func cloneBooking(b *repository.Booking) *repository.Booking {
	clone := *b
	if b.PickupLocation != nil {
		loc := *b.PickupLocation
		clone.PickupLocation = &loc
	}
	return &clone
}

func cloneDelivery(d *repository.Delivery) *repository.Delivery {
	clone := *d
	if d.ShipperID != nil {
		id := *d.ShipperID
		clone.ShipperID = &id
	}
	if d.OTPCode != nil {
		code := *d.OTPCode
		clone.OTPCode = &code
	}
	return &clone
}

func (s *FulfillmentStore) InsertBooking(ctx context.Context, b *repository.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ID = s.nextBookingID
	s.nextBookingID++
	s.bookings[b.ID] = cloneBooking(b)
	return nil
}

func (s *FulfillmentStore) GetBooking(ctx context.Context, id int64) (*repository.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, repository.ErrObjectNotFound
	}
	return cloneBooking(b), nil
}

func (s *FulfillmentStore) UpdateBookingStatus(ctx context.Context, id int64, from, to repository.BookingStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *FulfillmentStore) InsertDelivery(ctx context.Context, d *repository.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byBooking[d.BookingID]; exists {
		return repository.ErrDuplicate
	}
	d.ID = s.nextDeliveryID
	s.nextDeliveryID++
	s.deliveries[d.ID] = cloneDelivery(d)
	s.byBooking[d.BookingID] = d.ID
	return nil
}

func (s *FulfillmentStore) GetDelivery(ctx context.Context, id int64) (*repository.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, repository.ErrObjectNotFound
	}
	return cloneDelivery(d), nil
}

func (s *FulfillmentStore) GetDeliveryByBooking(ctx context.Context, bookingID int64) (*repository.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byBooking[bookingID]
	if !ok {
		return nil, repository.ErrObjectNotFound
	}
	return cloneDelivery(s.deliveries[id]), nil
}

func (s *FulfillmentStore) ListDeliveries(ctx context.Context, filter fulfillment.DeliveryFilter) ([]*repository.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.Delivery
	for _, d := range s.deliveries {
		switch {
		case filter.Available:
			if d.Status != repository.DeliveryStatusPending || d.ShipperID != nil {
				continue
			}
		case filter.ShipperID != "":
			if d.ShipperID == nil || *d.ShipperID != filter.ShipperID {
				continue
			}
		}
		out = append(out, cloneDelivery(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *FulfillmentStore) ClaimDelivery(ctx context.Context, id int64, shipperID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok || d.ShipperID != nil || d.Status != repository.DeliveryStatusPending {
		return false, nil
	}
	owner := shipperID
	d.ShipperID = &owner
	d.Status = repository.DeliveryStatusAssigned
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *FulfillmentStore) UpdateDeliveryStatus(ctx context.Context, id int64, from, to repository.DeliveryStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = to
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *FulfillmentStore) SetDeliveryOTP(ctx context.Context, id int64, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return repository.ErrObjectNotFound
	}
	c := code
	d.OTPCode = &c
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *FulfillmentStore) SetDeliveryProof(ctx context.Context, id int64, images json.RawMessage, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return repository.ErrObjectNotFound
	}
	d.ProofImages = append(json.RawMessage(nil), images...)
	d.ProofNote = note
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *FulfillmentStore) AppendShipmentEvent(ctx context.Context, ev *repository.ShipmentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *ev
	clone.Metadata = append(json.RawMessage(nil), ev.Metadata...)
	s.events[ev.DeliveryID] = append(s.events[ev.DeliveryID], &clone)
	return nil
}

func (s *FulfillmentStore) ListShipmentEvents(ctx context.Context, deliveryID int64) ([]*repository.ShipmentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[deliveryID]
	out := make([]*repository.ShipmentEvent, 0, len(evs))
	for _, ev := range evs {
		clone := *ev
		out = append(out, &clone)
	}
	return out, nil
}

var _ fulfillment.Store = (*FulfillmentStore)(nil)
