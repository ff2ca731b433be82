package fulfillment

import (
	"fmt"

	"github.com/sharemeal/backend/internal/repository"
)

// MethodSpec validates a booking request for one fulfillment method and
// says whether accepting the booking provisions a delivery.
type MethodSpec interface {
	Validate(cmd CreateBookingCommand) error
	NeedsShipment() bool
}

type pickupMethod struct{}

func (pickupMethod) NeedsShipment() bool { return false }
func (pickupMethod) Validate(cmd CreateBookingCommand) error {
	if cmd.PickupLocation == nil || *cmd.PickupLocation == "" {
		return fmt.Errorf("%w: pickup booking requires a pickup location", ErrValidation)
	}
	return nil
}

type meetMethod struct{}

func (meetMethod) NeedsShipment() bool { return false }
func (meetMethod) Validate(cmd CreateBookingCommand) error {
	return nil
}

type deliveryMethod struct{}

func (deliveryMethod) NeedsShipment() bool { return true }
func (deliveryMethod) Validate(cmd CreateBookingCommand) error {
	return nil
}

// needsShipment reports whether accepting a booking with this method
// provisions a delivery row.
func needsShipment(method repository.BookingMethod) bool {
	spec, err := GetMethodSpec(method)
	if err != nil {
		return false
	}
	return spec.NeedsShipment()
}

func GetMethodSpec(method repository.BookingMethod) (MethodSpec, error) {
	switch method {
	case repository.BookingMethodPickup:
		return pickupMethod{}, nil
	case repository.BookingMethodMeet:
		return meetMethod{}, nil
	case repository.BookingMethodDelivery:
		return deliveryMethod{}, nil
	default:
		return nil, fmt.Errorf("%w: unrecognized fulfillment method %q", ErrValidation, method)
	}
}
