package fulfillment

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sharemeal/backend/internal/metrics"
	"github.com/sharemeal/backend/internal/repository"
)

// Actor is the authenticated principal driving a mutation.
type Actor struct {
	ID   string
	Role repository.Role
}

func (a Actor) admin() bool   { return a.Role == repository.RoleAdmin }
func (a Actor) shipper() bool { return a.Role == repository.RoleShipper }

type DeliveryFilter struct {
	// Available selects unassigned pending deliveries.
	Available bool
	// ShipperID selects deliveries assigned to that shipper.
	ShipperID string
}

// Store is the fulfillment persistence contract. Claim and the status
// updates are compare-and-set: they mutate only when the current state
// matches and report whether they did.
type Store interface {
	InsertBooking(ctx context.Context, b *repository.Booking) error
	GetBooking(ctx context.Context, id int64) (*repository.Booking, error)
	UpdateBookingStatus(ctx context.Context, id int64, from, to repository.BookingStatus) (bool, error)

	InsertDelivery(ctx context.Context, d *repository.Delivery) error
	GetDelivery(ctx context.Context, id int64) (*repository.Delivery, error)
	GetDeliveryByBooking(ctx context.Context, bookingID int64) (*repository.Delivery, error)
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*repository.Delivery, error)
	// ClaimDelivery assigns atomically: it succeeds only while the delivery
	// is pending and unassigned.
	ClaimDelivery(ctx context.Context, id int64, shipperID string) (bool, error)
	UpdateDeliveryStatus(ctx context.Context, id int64, from, to repository.DeliveryStatus) (bool, error)
	SetDeliveryOTP(ctx context.Context, id int64, code string) error
	SetDeliveryProof(ctx context.Context, id int64, images json.RawMessage, note string) error

	AppendShipmentEvent(ctx context.Context, ev *repository.ShipmentEvent) error
	ListShipmentEvents(ctx context.Context, deliveryID int64) ([]*repository.ShipmentEvent, error)
}

// EventSink receives shipment events for out-of-process consumers (kafka
// via the outbox). Publication is best-effort; the durable audit trail is
// the shipment_events table itself.
type EventSink interface {
	Enqueue(ctx context.Context, ev *repository.ShipmentEvent) error
}

type NopSink struct{}

func (NopSink) Enqueue(context.Context, *repository.ShipmentEvent) error { return nil }

type Service struct {
	store  Store
	sink   EventSink
	logger *zap.Logger
}

func NewService(store Store, sink EventSink, logger *zap.Logger) *Service {
	if sink == nil {
		sink = NopSink{}
	}
	return &Service{store: store, sink: sink, logger: logger}
}

type CreateBookingCommand struct {
	ItemRef        string
	Quantity       int64
	Method         repository.BookingMethod
	PickupLocation *string
}

func (s *Service) CreateBooking(ctx context.Context, actor Actor, cmd CreateBookingCommand) (*repository.Booking, error) {
	if actor.Role != repository.RoleReceiver && !actor.admin() {
		return nil, ErrForbidden
	}
	if cmd.ItemRef == "" || cmd.Quantity <= 0 {
		return nil, fmt.Errorf("%w: item ref and positive quantity required", ErrValidation)
	}
	spec, err := GetMethodSpec(cmd.Method)
	if err != nil {
		return nil, err
	}
	if err := spec.Validate(cmd); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	booking := &repository.Booking{
		ReceiverID:     actor.ID,
		ItemRef:        cmd.ItemRef,
		Quantity:       cmd.Quantity,
		Method:         cmd.Method,
		Status:         repository.BookingStatusPending,
		PickupLocation: cmd.PickupLocation,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.InsertBooking(ctx, booking); err != nil {
		return nil, fmt.Errorf("insert booking: %w", err)
	}
	return booking, nil
}

// CancelBooking is the one booking transition a requester may drive
// themselves, and only out of pending.
func (s *Service) CancelBooking(ctx context.Context, actor Actor, id int64) error {
	booking, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return translateNotFound(err)
	}

	if !actor.admin() {
		if booking.ReceiverID != actor.ID {
			return ErrForbidden
		}
		if booking.Status != repository.BookingStatusPending {
			return fmt.Errorf("%w: only a pending booking can be cancelled by its owner", ErrConflict)
		}
	}
	return s.transitionBooking(ctx, booking, repository.BookingStatusCancelled)
}

// UpdateBookingStatus drives any legal booking edge; administrators only.
// Accepting a delivery-method booking provisions its shipment.
func (s *Service) UpdateBookingStatus(ctx context.Context, actor Actor, id int64, target repository.BookingStatus) error {
	if !validBookingStatus(target) {
		return fmt.Errorf("%w: unrecognized booking status %q", ErrValidation, target)
	}
	if !actor.admin() {
		return ErrForbidden
	}
	booking, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return translateNotFound(err)
	}
	if err := s.transitionBooking(ctx, booking, target); err != nil {
		return err
	}

	if target == repository.BookingStatusAccepted && needsShipment(booking.Method) {
		if _, err := s.provisionDelivery(ctx, actor, booking.ID, nil); err != nil && !errors.Is(err, ErrConflict) {
			// The booking transition already committed; a missing shipment
			// row is repairable by an explicit admin create.
			s.logger.Error("auto-provisioning delivery", zap.Int64("booking_id", booking.ID), zap.Error(err))
			metrics.OperationErrorsTotal.WithLabelValues("provision_delivery").Inc()
		}
	}
	return nil
}

func (s *Service) transitionBooking(ctx context.Context, booking *repository.Booking, target repository.BookingStatus) error {
	if !bookingTransitionLegal(booking.Status, target) {
		return fmt.Errorf("%w: booking %s -> %s", ErrInvalidTransition, booking.Status, target)
	}
	changed, err := s.store.UpdateBookingStatus(ctx, booking.ID, booking.Status, target)
	if err != nil {
		return fmt.Errorf("update booking status: %w", err)
	}
	if !changed {
		return fmt.Errorf("%w: booking state moved concurrently", ErrConflict)
	}
	return nil
}

func (s *Service) GetBooking(ctx context.Context, actor Actor, id int64) (*repository.Booking, error) {
	booking, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if !actor.admin() && booking.ReceiverID != actor.ID {
		return nil, ErrForbidden
	}
	return booking, nil
}

// CreateDelivery provisions a shipment for a booking; administrators only.
// The unique booking reference makes double provisioning a conflict.
func (s *Service) CreateDelivery(ctx context.Context, actor Actor, bookingID int64, route json.RawMessage) (*repository.Delivery, error) {
	if !actor.admin() {
		return nil, ErrForbidden
	}
	return s.provisionDelivery(ctx, actor, bookingID, route)
}

func (s *Service) provisionDelivery(ctx context.Context, actor Actor, bookingID int64, route json.RawMessage) (*repository.Delivery, error) {
	if _, err := s.store.GetBooking(ctx, bookingID); err != nil {
		return nil, translateNotFound(err)
	}
	if existing, err := s.store.GetDeliveryByBooking(ctx, bookingID); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: booking already has a delivery", ErrConflict)
	}

	now := time.Now().UTC()
	delivery := &repository.Delivery{
		BookingID: bookingID,
		Status:    repository.DeliveryStatusPending,
		RouteInfo: route,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertDelivery(ctx, delivery); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: booking already has a delivery", ErrConflict)
		}
		return nil, fmt.Errorf("insert delivery: %w", err)
	}
	s.appendEvent(ctx, delivery.ID, actor.ID, "delivery_created", map[string]interface{}{
		"booking_id": bookingID,
	})
	return delivery, nil
}

func (s *Service) GetDelivery(ctx context.Context, actor Actor, id int64) (*repository.Delivery, error) {
	delivery, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if !s.canSee(actor, delivery) {
		return nil, ErrForbidden
	}
	return redactOTP(delivery, actor), nil
}

func (s *Service) canSee(actor Actor, d *repository.Delivery) bool {
	if actor.admin() {
		return true
	}
	if actor.shipper() {
		return d.ShipperID == nil || *d.ShipperID == actor.ID
	}
	return false
}

// The stored OTP never leaves the service for shippers: they learn it from
// the receiver at handoff.
func redactOTP(d *repository.Delivery, actor Actor) *repository.Delivery {
	if actor.admin() {
		return d
	}
	clone := *d
	clone.OTPCode = nil
	return &clone
}

func (s *Service) ListDeliveries(ctx context.Context, actor Actor, available bool) ([]*repository.Delivery, error) {
	var filter DeliveryFilter
	switch {
	case actor.shipper() && available:
		filter.Available = true
	case actor.shipper():
		filter.ShipperID = actor.ID
	case actor.admin():
		// admins see everything
	default:
		return nil, ErrForbidden
	}
	deliveries, err := s.store.ListDeliveries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	for i, d := range deliveries {
		deliveries[i] = redactOTP(d, actor)
	}
	return deliveries, nil
}

// Claim gives a shipper exclusive ownership of an unassigned delivery.
// Exactly one concurrent claimant wins; re-claiming a delivery you already
// hold is an idempotent success.
func (s *Service) Claim(ctx context.Context, actor Actor, deliveryID int64) (*repository.Delivery, error) {
	if !actor.shipper() {
		return nil, ErrForbidden
	}
	delivery, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, translateNotFound(err)
	}

	claimed, err := s.store.ClaimDelivery(ctx, deliveryID, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("claim delivery: %w", err)
	}
	if !claimed {
		current, err := s.store.GetDelivery(ctx, deliveryID)
		if err != nil {
			return nil, translateNotFound(err)
		}
		if current.ShipperID != nil && *current.ShipperID == actor.ID {
			return redactOTP(current, actor), nil
		}
		metrics.ClaimConflictsTotal.Inc()
		return nil, fmt.Errorf("%w: delivery already claimed", ErrConflict)
	}

	if _, err := s.rotateOTP(ctx, deliveryID); err != nil {
		return nil, err
	}

	metrics.DeliveriesClaimedTotal.Inc()
	s.appendEvent(ctx, deliveryID, actor.ID, "claimed", map[string]interface{}{
		"from": delivery.Status,
		"to":   repository.DeliveryStatusAssigned,
	})

	current, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return redactOTP(current, actor), nil
}

// AdvanceDelivery moves a delivery along its life cycle. Shippers may only
// walk their own delivery along the shipper edges; reaching delivered
// demands the correct OTP. Administrators may drive any legal edge and may
// force completion without a code.
func (s *Service) AdvanceDelivery(ctx context.Context, actor Actor, id int64, target repository.DeliveryStatus, otp string) error {
	if !validDeliveryStatus(target) {
		return fmt.Errorf("%w: unrecognized delivery status %q", ErrValidation, target)
	}
	delivery, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return translateNotFound(err)
	}

	switch {
	case actor.admin():
		// any legal edge
	case actor.shipper():
		if delivery.ShipperID == nil || *delivery.ShipperID != actor.ID {
			return ErrForbidden
		}
		if !shipperEdgeLegal(delivery.Status, target) {
			if !deliveryTransitionLegal(delivery.Status, target) {
				return fmt.Errorf("%w: delivery %s -> %s", ErrInvalidTransition, delivery.Status, target)
			}
			return ErrForbidden
		}
	default:
		return ErrForbidden
	}

	if !deliveryTransitionLegal(delivery.Status, target) {
		return fmt.Errorf("%w: delivery %s -> %s", ErrInvalidTransition, delivery.Status, target)
	}

	if target == repository.DeliveryStatusDelivered && actor.shipper() {
		if delivery.OTPCode == nil || otp == "" || *delivery.OTPCode != otp {
			metrics.OtpMismatchTotal.Inc()
			return ErrOTPMismatch
		}
	}

	changed, err := s.store.UpdateDeliveryStatus(ctx, id, delivery.Status, target)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	if !changed {
		return fmt.Errorf("%w: delivery state moved concurrently", ErrConflict)
	}

	if target == repository.DeliveryStatusDelivered {
		metrics.DeliveriesCompletedTotal.Inc()
		s.completeBooking(ctx, delivery.BookingID)
	}

	s.appendEvent(ctx, id, actor.ID, "status_advanced", map[string]interface{}{
		"from": delivery.Status,
		"to":   target,
	})
	return nil
}

// completeBooking closes the booking behind a delivered shipment. The
// delivery transition already committed, so failures here only log: the
// booking can be completed by an admin afterwards.
func (s *Service) completeBooking(ctx context.Context, bookingID int64) {
	changed, err := s.store.UpdateBookingStatus(ctx, bookingID,
		repository.BookingStatusAccepted, repository.BookingStatusCompleted)
	if err != nil {
		s.logger.Error("completing booking after delivery", zap.Int64("booking_id", bookingID), zap.Error(err))
		metrics.OperationErrorsTotal.WithLabelValues("complete_booking").Inc()
		return
	}
	if !changed {
		s.logger.Warn("booking not in accepted state after delivery", zap.Int64("booking_id", bookingID))
	}
}

// GenerateOTP overwrites the delivery's one-time code, invalidating any
// prior code. Administrators only; claims rotate the code automatically.
func (s *Service) GenerateOTP(ctx context.Context, actor Actor, id int64) (string, error) {
	if !actor.admin() {
		return "", ErrForbidden
	}
	if _, err := s.store.GetDelivery(ctx, id); err != nil {
		return "", translateNotFound(err)
	}
	code, err := s.rotateOTP(ctx, id)
	if err != nil {
		return "", err
	}
	s.appendEvent(ctx, id, actor.ID, "otp_rotated", nil)
	return code, nil
}

const otpLength = 6

func (s *Service) rotateOTP(ctx context.Context, deliveryID int64) (string, error) {
	code, err := generateOTPCode()
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	if err := s.store.SetDeliveryOTP(ctx, deliveryID, code); err != nil {
		return "", fmt.Errorf("store otp: %w", err)
	}
	return code, nil
}

func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpLength, n), nil
}

// SubmitProof stores the latest proof snapshot and logs the upload. It
// never changes the delivery status.
func (s *Service) SubmitProof(ctx context.Context, actor Actor, id int64, images []string, note string) error {
	if len(images) == 0 {
		return fmt.Errorf("%w: at least one proof image required", ErrValidation)
	}
	delivery, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return translateNotFound(err)
	}
	if !actor.admin() {
		if !actor.shipper() || delivery.ShipperID == nil || *delivery.ShipperID != actor.ID {
			return ErrForbidden
		}
	}

	raw, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("marshal proof images: %w", err)
	}
	if err := s.store.SetDeliveryProof(ctx, id, raw, note); err != nil {
		return fmt.Errorf("store proof: %w", err)
	}
	s.appendEvent(ctx, id, actor.ID, "proof_submitted", map[string]interface{}{
		"images": images,
		"note":   note,
	})
	return nil
}

// Events returns the append-only audit trail for a delivery.
func (s *Service) Events(ctx context.Context, actor Actor, deliveryID int64) ([]*repository.ShipmentEvent, error) {
	if !actor.admin() {
		return nil, ErrForbidden
	}
	if _, err := s.store.GetDelivery(ctx, deliveryID); err != nil {
		return nil, translateNotFound(err)
	}
	events, err := s.store.ListShipmentEvents(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("list shipment events: %w", err)
	}
	return events, nil
}

// appendEvent writes one audit entry and hands it to the sink. The table
// write is the trail of record; sink failures are swallowed after logging.
func (s *Service) appendEvent(ctx context.Context, deliveryID int64, actorID, kind string, meta map[string]interface{}) {
	var raw json.RawMessage
	if meta != nil {
		raw, _ = json.Marshal(meta)
	}
	ev := &repository.ShipmentEvent{
		ID:         uuid.New(),
		DeliveryID: deliveryID,
		ActorID:    actorID,
		Kind:       kind,
		Metadata:   raw,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AppendShipmentEvent(ctx, ev); err != nil {
		s.logger.Error("appending shipment event", zap.Int64("delivery_id", deliveryID), zap.String("kind", kind), zap.Error(err))
		metrics.OperationErrorsTotal.WithLabelValues("append_shipment_event").Inc()
		return
	}
	if err := s.sink.Enqueue(ctx, ev); err != nil {
		s.logger.Warn("enqueueing shipment event", zap.Int64("delivery_id", deliveryID), zap.Error(err))
	}
}

func translateNotFound(err error) error {
	if errors.Is(err, repository.ErrObjectNotFound) {
		return ErrNotFound
	}
	return err
}
