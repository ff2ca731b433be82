package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/sharemeal/backend/internal/db"
	"github.com/sharemeal/backend/internal/fulfillment"
	"github.com/sharemeal/backend/internal/repository"
)

type FulfillmentStore struct {
	db db.DB
}

func NewFulfillmentStore(database db.DB) fulfillment.Store {
	return &FulfillmentStore{db: database}
}

func (r *FulfillmentStore) InsertBooking(ctx context.Context, b *repository.Booking) error {
	err := r.db.ExecQueryRow(ctx, `
        INSERT INTO bookings (receiver_id, item_ref, quantity, method, status, pickup_location, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id
    `, b.ReceiverID, b.ItemRef, b.Quantity, b.Method, b.Status, b.PickupLocation, b.CreatedAt, b.UpdatedAt).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (r *FulfillmentStore) GetBooking(ctx context.Context, id int64) (*repository.Booking, error) {
	var b repository.Booking
	err := r.db.Get(ctx, &b, "SELECT * FROM bookings WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (r *FulfillmentStore) UpdateBookingStatus(ctx context.Context, id int64, from, to repository.BookingStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE bookings SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4
    `, to, time.Now().UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("update booking status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertDelivery leans on the unique booking reference: a second shipment
// for the same booking loses the insert and reports a duplicate.
func (r *FulfillmentStore) InsertDelivery(ctx context.Context, d *repository.Delivery) error {
	err := r.db.ExecQueryRow(ctx, `
        INSERT INTO deliveries (booking_id, shipper_id, status, otp_code, proof_images, proof_note, route_info, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (booking_id) DO NOTHING
        RETURNING id
    `, d.BookingID, d.ShipperID, d.Status, d.OTPCode, d.ProofImages, d.ProofNote, d.RouteInfo, d.CreatedAt, d.UpdatedAt).Scan(&d.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (r *FulfillmentStore) GetDelivery(ctx context.Context, id int64) (*repository.Delivery, error) {
	var d repository.Delivery
	err := r.db.Get(ctx, &d, "SELECT * FROM deliveries WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *FulfillmentStore) GetDeliveryByBooking(ctx context.Context, bookingID int64) (*repository.Delivery, error) {
	var d repository.Delivery
	err := r.db.Get(ctx, &d, "SELECT * FROM deliveries WHERE booking_id = $1", bookingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *FulfillmentStore) ListDeliveries(ctx context.Context, filter fulfillment.DeliveryFilter) ([]*repository.Delivery, error) {
	query := "SELECT * FROM deliveries"
	args := []interface{}{}

	switch {
	case filter.Available:
		query += " WHERE status = 'pending' AND shipper_id IS NULL"
	case filter.ShipperID != "":
		query += " WHERE shipper_id = $1"
		args = append(args, filter.ShipperID)
	}
	query += " ORDER BY created_at DESC"

	var deliveries []*repository.Delivery
	if err := r.db.Select(ctx, &deliveries, query, args...); err != nil {
		return nil, err
	}
	return deliveries, nil
}

// ClaimDelivery is the exclusivity point: the conditional update admits
// exactly one winner for an unassigned pending delivery.
func (r *FulfillmentStore) ClaimDelivery(ctx context.Context, id int64, shipperID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE deliveries
        SET shipper_id = $1, status = $2, updated_at = $3
        WHERE id = $4 AND shipper_id IS NULL AND status = $5
    `, shipperID, repository.DeliveryStatusAssigned, time.Now().UTC(), id, repository.DeliveryStatusPending)
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *FulfillmentStore) UpdateDeliveryStatus(ctx context.Context, id int64, from, to repository.DeliveryStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE deliveries SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4
    `, to, time.Now().UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("update delivery status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *FulfillmentStore) SetDeliveryOTP(ctx context.Context, id int64, code string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE deliveries SET otp_code = $1, updated_at = $2 WHERE id = $3
    `, code, time.Now().UTC(), id)
	return err
}

func (r *FulfillmentStore) SetDeliveryProof(ctx context.Context, id int64, images json.RawMessage, note string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE deliveries SET proof_images = $1, proof_note = $2, updated_at = $3 WHERE id = $4
    `, images, note, time.Now().UTC(), id)
	return err
}

func (r *FulfillmentStore) AppendShipmentEvent(ctx context.Context, ev *repository.ShipmentEvent) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO shipment_events (id, delivery_id, actor_id, kind, metadata, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, ev.ID, ev.DeliveryID, ev.ActorID, ev.Kind, ev.Metadata, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append shipment event: %w", err)
	}
	return nil
}

func (r *FulfillmentStore) ListShipmentEvents(ctx context.Context, deliveryID int64) ([]*repository.ShipmentEvent, error) {
	var events []*repository.ShipmentEvent
	err := r.db.Select(ctx, &events, `
        SELECT * FROM shipment_events WHERE delivery_id = $1 ORDER BY created_at ASC
    `, deliveryID)
	if err != nil {
		return nil, err
	}
	return events, nil
}
