package fulfillment_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sharemeal/backend/internal/fulfillment"
	"github.com/sharemeal/backend/internal/repository"
	"github.com/sharemeal/backend/internal/repository/memstore"
)

var (
	admin    = fulfillment.Actor{ID: "admin-1", Role: repository.RoleAdmin}
	receiver = fulfillment.Actor{ID: "receiver-1", Role: repository.RoleReceiver}
	shipper  = fulfillment.Actor{ID: "shipper-1", Role: repository.RoleShipper}
	shipper2 = fulfillment.Actor{ID: "shipper-2", Role: repository.RoleShipper}
	donor    = fulfillment.Actor{ID: "donor-1", Role: repository.RoleDonor}
)

func newTestService(t *testing.T) (*fulfillment.Service, *memstore.FulfillmentStore) {
	t.Helper()
	store := memstore.NewFulfillmentStore()
	return fulfillment.NewService(store, nil, zap.NewNop()), store
}

func mustBooking(t *testing.T, svc *fulfillment.Service, method repository.BookingMethod) *repository.Booking {
	t.Helper()
	cmd := fulfillment.CreateBookingCommand{
		ItemRef:  "meal-box-7",
		Quantity: 2,
		Method:   method,
	}
	if method == repository.BookingMethodPickup {
		loc := "12 Nguyen Trai"
		cmd.PickupLocation = &loc
	}
	booking, err := svc.CreateBooking(context.Background(), receiver, cmd)
	require.NoError(t, err)
	return booking
}

// mustDelivery provisions an accepted delivery-method booking and returns
// its pending shipment.
func mustDelivery(t *testing.T, svc *fulfillment.Service, store *memstore.FulfillmentStore) *repository.Delivery {
	t.Helper()
	ctx := context.Background()
	booking := mustBooking(t, svc, repository.BookingMethodDelivery)
	require.NoError(t, svc.UpdateBookingStatus(ctx, admin, booking.ID, repository.BookingStatusAccepted))
	delivery, err := store.GetDeliveryByBooking(ctx, booking.ID)
	require.NoError(t, err)
	return delivery
}

func storedOTP(t *testing.T, store *memstore.FulfillmentStore, deliveryID int64) string {
	t.Helper()
	d, err := store.GetDelivery(context.Background(), deliveryID)
	require.NoError(t, err)
	require.NotNil(t, d.OTPCode)
	return *d.OTPCode
}

func TestCreateBooking(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t.Run("receiver creates pending booking", func(t *testing.T) {
		booking := mustBooking(t, svc, repository.BookingMethodMeet)
		assert.Equal(t, repository.BookingStatusPending, booking.Status)
		assert.Equal(t, receiver.ID, booking.ReceiverID)
	})

	t.Run("pickup requires location", func(t *testing.T) {
		_, err := svc.CreateBooking(ctx, receiver, fulfillment.CreateBookingCommand{
			ItemRef:  "meal-box-7",
			Quantity: 1,
			Method:   repository.BookingMethodPickup,
		})
		assert.ErrorIs(t, err, fulfillment.ErrValidation)
	})

	t.Run("unknown method rejected", func(t *testing.T) {
		_, err := svc.CreateBooking(ctx, receiver, fulfillment.CreateBookingCommand{
			ItemRef:  "meal-box-7",
			Quantity: 1,
			Method:   "teleport",
		})
		assert.ErrorIs(t, err, fulfillment.ErrValidation)
	})

	t.Run("donor may not book", func(t *testing.T) {
		_, err := svc.CreateBooking(ctx, donor, fulfillment.CreateBookingCommand{
			ItemRef:  "meal-box-7",
			Quantity: 1,
			Method:   repository.BookingMethodMeet,
		})
		assert.ErrorIs(t, err, fulfillment.ErrForbidden)
	})
}

func TestCancelBooking(t *testing.T) {
	ctx := context.Background()

	t.Run("owner cancels pending", func(t *testing.T) {
		svc, _ := newTestService(t)
		booking := mustBooking(t, svc, repository.BookingMethodMeet)
		require.NoError(t, svc.CancelBooking(ctx, receiver, booking.ID))
	})

	t.Run("owner cannot cancel accepted", func(t *testing.T) {
		svc, _ := newTestService(t)
		booking := mustBooking(t, svc, repository.BookingMethodMeet)
		require.NoError(t, svc.UpdateBookingStatus(ctx, admin, booking.ID, repository.BookingStatusAccepted))
		assert.ErrorIs(t, svc.CancelBooking(ctx, receiver, booking.ID), fulfillment.ErrConflict)
	})

	t.Run("admin cancels accepted", func(t *testing.T) {
		svc, _ := newTestService(t)
		booking := mustBooking(t, svc, repository.BookingMethodMeet)
		require.NoError(t, svc.UpdateBookingStatus(ctx, admin, booking.ID, repository.BookingStatusAccepted))
		require.NoError(t, svc.CancelBooking(ctx, admin, booking.ID))
	})

	t.Run("stranger forbidden", func(t *testing.T) {
		svc, _ := newTestService(t)
		booking := mustBooking(t, svc, repository.BookingMethodMeet)
		other := fulfillment.Actor{ID: "receiver-2", Role: repository.RoleReceiver}
		assert.ErrorIs(t, svc.CancelBooking(ctx, other, booking.ID), fulfillment.ErrForbidden)
	})
}

func TestUpdateBookingStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("admin only", func(t *testing.T) {
		svc, _ := newTestService(t)
		booking := mustBooking(t, svc, repository.BookingMethodMeet)
		err := svc.UpdateBookingStatus(ctx, receiver, booking.ID, repository.BookingStatusAccepted)
		assert.ErrorIs(t, err, fulfillment.ErrForbidden)
	})

	t.Run("illegal edge rejected", func(t *testing.T) {
		svc, _ := newTestService(t)
		booking := mustBooking(t, svc, repository.BookingMethodMeet)
		err := svc.UpdateBookingStatus(ctx, admin, booking.ID, repository.BookingStatusCompleted)
		assert.ErrorIs(t, err, fulfillment.ErrInvalidTransition)
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		svc, _ := newTestService(t)
		booking := mustBooking(t, svc, repository.BookingMethodMeet)
		err := svc.UpdateBookingStatus(ctx, admin, booking.ID, "misplaced")
		assert.ErrorIs(t, err, fulfillment.ErrValidation)
	})

	t.Run("accepting delivery booking provisions shipment", func(t *testing.T) {
		svc, store := newTestService(t)
		booking := mustBooking(t, svc, repository.BookingMethodDelivery)
		require.NoError(t, svc.UpdateBookingStatus(ctx, admin, booking.ID, repository.BookingStatusAccepted))

		delivery, err := store.GetDeliveryByBooking(ctx, booking.ID)
		require.NoError(t, err)
		assert.Equal(t, repository.DeliveryStatusPending, delivery.Status)
		assert.Nil(t, delivery.ShipperID)
	})

	t.Run("accepting meet booking provisions nothing", func(t *testing.T) {
		svc, store := newTestService(t)
		booking := mustBooking(t, svc, repository.BookingMethodMeet)
		require.NoError(t, svc.UpdateBookingStatus(ctx, admin, booking.ID, repository.BookingStatusAccepted))

		_, err := store.GetDeliveryByBooking(ctx, booking.ID)
		assert.ErrorIs(t, err, repository.ErrObjectNotFound)
	})
}

func TestCreateDelivery_DoubleProvisionConflicts(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	delivery := mustDelivery(t, svc, store)

	booking, err := store.GetBooking(ctx, delivery.BookingID)
	require.NoError(t, err)
	_, err = svc.CreateDelivery(ctx, admin, booking.ID, nil)
	assert.ErrorIs(t, err, fulfillment.ErrConflict)
}

func TestClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("shipper claims and OTP is rotated but hidden", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := mustDelivery(t, svc, store)

		claimed, err := svc.Claim(ctx, shipper, delivery.ID)
		require.NoError(t, err)
		assert.Equal(t, repository.DeliveryStatusAssigned, claimed.Status)
		require.NotNil(t, claimed.ShipperID)
		assert.Equal(t, shipper.ID, *claimed.ShipperID)
		assert.Nil(t, claimed.OTPCode)

		assert.Len(t, storedOTP(t, store, delivery.ID), 6)
	})

	t.Run("second claimant conflicts", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := mustDelivery(t, svc, store)

		_, err := svc.Claim(ctx, shipper, delivery.ID)
		require.NoError(t, err)
		_, err = svc.Claim(ctx, shipper2, delivery.ID)
		assert.ErrorIs(t, err, fulfillment.ErrConflict)
	})

	t.Run("re-claim by owner is idempotent", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := mustDelivery(t, svc, store)

		_, err := svc.Claim(ctx, shipper, delivery.ID)
		require.NoError(t, err)
		again, err := svc.Claim(ctx, shipper, delivery.ID)
		require.NoError(t, err)
		assert.Equal(t, shipper.ID, *again.ShipperID)
	})

	t.Run("non-shipper forbidden", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := mustDelivery(t, svc, store)

		_, err := svc.Claim(ctx, receiver, delivery.ID)
		assert.ErrorIs(t, err, fulfillment.ErrForbidden)
	})

	t.Run("concurrent claims admit one winner", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := mustDelivery(t, svc, store)

		const claimants = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < claimants; i++ {
			actor := fulfillment.Actor{ID: string(rune('a' + i)), Role: repository.RoleShipper}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := svc.Claim(ctx, actor, delivery.ID); err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}

func TestAdvanceDelivery(t *testing.T) {
	ctx := context.Background()

	claim := func(t *testing.T, svc *fulfillment.Service, store *memstore.FulfillmentStore) *repository.Delivery {
		delivery := mustDelivery(t, svc, store)
		_, err := svc.Claim(ctx, shipper, delivery.ID)
		require.NoError(t, err)
		return delivery
	}

	t.Run("shipper walks the happy path with correct OTP", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := claim(t, svc, store)

		require.NoError(t, svc.AdvanceDelivery(ctx, shipper, delivery.ID, repository.DeliveryStatusPickedUp, ""))
		require.NoError(t, svc.AdvanceDelivery(ctx, shipper, delivery.ID, repository.DeliveryStatusDelivering, ""))

		otp := storedOTP(t, store, delivery.ID)
		require.NoError(t, svc.AdvanceDelivery(ctx, shipper, delivery.ID, repository.DeliveryStatusDelivered, otp))

		final, err := store.GetDelivery(ctx, delivery.ID)
		require.NoError(t, err)
		assert.Equal(t, repository.DeliveryStatusDelivered, final.Status)

		// The booking behind it completes automatically.
		booking, err := store.GetBooking(ctx, delivery.BookingID)
		require.NoError(t, err)
		assert.Equal(t, repository.BookingStatusCompleted, booking.Status)
	})

	t.Run("wrong OTP is a distinct error and no transition", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := claim(t, svc, store)
		require.NoError(t, svc.AdvanceDelivery(ctx, shipper, delivery.ID, repository.DeliveryStatusPickedUp, ""))
		require.NoError(t, svc.AdvanceDelivery(ctx, shipper, delivery.ID, repository.DeliveryStatusDelivering, ""))

		err := svc.AdvanceDelivery(ctx, shipper, delivery.ID, repository.DeliveryStatusDelivered, "000000x")
		assert.ErrorIs(t, err, fulfillment.ErrOTPMismatch)

		current, err := store.GetDelivery(ctx, delivery.ID)
		require.NoError(t, err)
		assert.Equal(t, repository.DeliveryStatusDelivering, current.Status)
	})

	t.Run("skipping states is illegal", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := claim(t, svc, store)

		otp := storedOTP(t, store, delivery.ID)
		err := svc.AdvanceDelivery(ctx, shipper, delivery.ID, repository.DeliveryStatusDelivered, otp)
		assert.ErrorIs(t, err, fulfillment.ErrInvalidTransition)
	})

	t.Run("foreign shipper forbidden", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := claim(t, svc, store)

		err := svc.AdvanceDelivery(ctx, shipper2, delivery.ID, repository.DeliveryStatusPickedUp, "")
		assert.ErrorIs(t, err, fulfillment.ErrForbidden)
	})

	t.Run("shipper may not cancel", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := claim(t, svc, store)

		err := svc.AdvanceDelivery(ctx, shipper, delivery.ID, repository.DeliveryStatusCancelled, "")
		assert.ErrorIs(t, err, fulfillment.ErrForbidden)
	})

	t.Run("admin cancels and force-completes without OTP", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := claim(t, svc, store)

		require.NoError(t, svc.AdvanceDelivery(ctx, admin, delivery.ID, repository.DeliveryStatusPickedUp, ""))
		require.NoError(t, svc.AdvanceDelivery(ctx, admin, delivery.ID, repository.DeliveryStatusDelivering, ""))
		require.NoError(t, svc.AdvanceDelivery(ctx, admin, delivery.ID, repository.DeliveryStatusDelivered, ""))
	})

	t.Run("delivered is terminal", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := claim(t, svc, store)
		require.NoError(t, svc.AdvanceDelivery(ctx, admin, delivery.ID, repository.DeliveryStatusPickedUp, ""))
		require.NoError(t, svc.AdvanceDelivery(ctx, admin, delivery.ID, repository.DeliveryStatusDelivering, ""))
		require.NoError(t, svc.AdvanceDelivery(ctx, admin, delivery.ID, repository.DeliveryStatusDelivered, ""))

		err := svc.AdvanceDelivery(ctx, admin, delivery.ID, repository.DeliveryStatusCancelled, "")
		assert.ErrorIs(t, err, fulfillment.ErrInvalidTransition)
	})
}

func TestListDeliveries(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	first := mustDelivery(t, svc, store)
	_ = mustDelivery(t, svc, store)

	_, err := svc.Claim(ctx, shipper, first.ID)
	require.NoError(t, err)

	t.Run("available excludes claimed", func(t *testing.T) {
		available, err := svc.ListDeliveries(ctx, shipper, true)
		require.NoError(t, err)
		require.Len(t, available, 1)
		assert.Nil(t, available[0].ShipperID)
	})

	t.Run("mine lists only own", func(t *testing.T) {
		mine, err := svc.ListDeliveries(ctx, shipper, false)
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, first.ID, mine[0].ID)
		assert.Nil(t, mine[0].OTPCode)
	})

	t.Run("admin sees all with OTP", func(t *testing.T) {
		all, err := svc.ListDeliveries(ctx, admin, false)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("receiver forbidden", func(t *testing.T) {
		_, err := svc.ListDeliveries(ctx, receiver, false)
		assert.ErrorIs(t, err, fulfillment.ErrForbidden)
	})
}

func TestGenerateOTP(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	delivery := mustDelivery(t, svc, store)

	t.Run("admin rotates", func(t *testing.T) {
		code, err := svc.GenerateOTP(ctx, admin, delivery.ID)
		require.NoError(t, err)
		assert.Len(t, code, 6)
		assert.Equal(t, code, storedOTP(t, store, delivery.ID))

		rotated, err := svc.GenerateOTP(ctx, admin, delivery.ID)
		require.NoError(t, err)
		assert.Equal(t, rotated, storedOTP(t, store, delivery.ID))
	})

	t.Run("shipper forbidden", func(t *testing.T) {
		_, err := svc.GenerateOTP(ctx, shipper, delivery.ID)
		assert.ErrorIs(t, err, fulfillment.ErrForbidden)
	})
}

func TestSubmitProof(t *testing.T) {
	ctx := context.Background()

	t.Run("owning shipper stores proof", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := mustDelivery(t, svc, store)
		_, err := svc.Claim(ctx, shipper, delivery.ID)
		require.NoError(t, err)

		require.NoError(t, svc.SubmitProof(ctx, shipper, delivery.ID, []string{"img://1.jpg"}, "left at door"))

		current, err := store.GetDelivery(ctx, delivery.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `["img://1.jpg"]`, string(current.ProofImages))
		assert.Equal(t, "left at door", current.ProofNote)
	})

	t.Run("no images rejected", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := mustDelivery(t, svc, store)
		err := svc.SubmitProof(ctx, admin, delivery.ID, nil, "")
		assert.ErrorIs(t, err, fulfillment.ErrValidation)
	})

	t.Run("foreign shipper forbidden", func(t *testing.T) {
		svc, store := newTestService(t)
		delivery := mustDelivery(t, svc, store)
		_, err := svc.Claim(ctx, shipper, delivery.ID)
		require.NoError(t, err)

		err = svc.SubmitProof(ctx, shipper2, delivery.ID, []string{"img://1.jpg"}, "")
		assert.ErrorIs(t, err, fulfillment.ErrForbidden)
	})
}

func TestEvents(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	delivery := mustDelivery(t, svc, store)
	_, err := svc.Claim(ctx, shipper, delivery.ID)
	require.NoError(t, err)
	require.NoError(t, svc.AdvanceDelivery(ctx, shipper, delivery.ID, repository.DeliveryStatusPickedUp, ""))

	t.Run("admin reads ordered trail", func(t *testing.T) {
		events, err := svc.Events(ctx, admin, delivery.ID)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "delivery_created", events[0].Kind)
		assert.Equal(t, "claimed", events[1].Kind)
		assert.Equal(t, "status_advanced", events[2].Kind)
	})

	t.Run("shipper forbidden", func(t *testing.T) {
		_, err := svc.Events(ctx, shipper, delivery.ID)
		assert.ErrorIs(t, err, fulfillment.ErrForbidden)
	})

	t.Run("unknown delivery", func(t *testing.T) {
		_, err := svc.Events(ctx, admin, 404)
		assert.ErrorIs(t, err, fulfillment.ErrNotFound)
	})
}
