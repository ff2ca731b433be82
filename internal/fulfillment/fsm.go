package fulfillment

import (
	"errors"

	"github.com/sharemeal/backend/internal/repository"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("illegal state transition")
	ErrOTPMismatch       = errors.New("otp mismatch")
	ErrValidation        = errors.New("invalid input")
)

var bookingTransitions = map[repository.BookingStatus][]repository.BookingStatus{
	repository.BookingStatusPending: {
		repository.BookingStatusAccepted,
		repository.BookingStatusRejected,
		repository.BookingStatusCancelled,
		repository.BookingStatusExpired,
	},
	repository.BookingStatusAccepted: {
		repository.BookingStatusCompleted,
		repository.BookingStatusCancelled,
	},
}

// delivered is terminal; every non-terminal state may cancel.
var deliveryTransitions = map[repository.DeliveryStatus][]repository.DeliveryStatus{
	repository.DeliveryStatusPending: {
		repository.DeliveryStatusAssigned,
		repository.DeliveryStatusCancelled,
	},
	repository.DeliveryStatusAssigned: {
		repository.DeliveryStatusPickedUp,
		repository.DeliveryStatusCancelled,
	},
	repository.DeliveryStatusPickedUp: {
		repository.DeliveryStatusDelivering,
		repository.DeliveryStatusCancelled,
	},
	repository.DeliveryStatusDelivering: {
		repository.DeliveryStatusDelivered,
		repository.DeliveryStatusCancelled,
	},
}

// shipper-facing edges only; everything else needs an administrator.
var shipperEdges = map[repository.DeliveryStatus]repository.DeliveryStatus{
	repository.DeliveryStatusAssigned:   repository.DeliveryStatusPickedUp,
	repository.DeliveryStatusPickedUp:   repository.DeliveryStatusDelivering,
	repository.DeliveryStatusDelivering: repository.DeliveryStatusDelivered,
}

func bookingTransitionLegal(from, to repository.BookingStatus) bool {
	for _, allowed := range bookingTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func deliveryTransitionLegal(from, to repository.DeliveryStatus) bool {
	for _, allowed := range deliveryTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func shipperEdgeLegal(from, to repository.DeliveryStatus) bool {
	next, ok := shipperEdges[from]
	return ok && next == to
}

func validBookingStatus(s repository.BookingStatus) bool {
	switch s {
	case repository.BookingStatusPending, repository.BookingStatusAccepted,
		repository.BookingStatusRejected, repository.BookingStatusCancelled,
		repository.BookingStatusCompleted, repository.BookingStatusExpired:
		return true
	}
	return false
}

func validDeliveryStatus(s repository.DeliveryStatus) bool {
	switch s {
	case repository.DeliveryStatusPending, repository.DeliveryStatusAssigned,
		repository.DeliveryStatusPickedUp, repository.DeliveryStatusDelivering,
		repository.DeliveryStatusDelivered, repository.DeliveryStatusCancelled:
		return true
	}
	return false
}
