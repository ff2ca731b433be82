package repository

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrObjectNotFound     = errors.New("not found")
	ErrDuplicate          = errors.New("duplicate")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type DonationKind string

const (
	DonationKindMoney DonationKind = "money"
	DonationKindMeal  DonationKind = "meal"
)

type DonationStatus string

const (
	DonationStatusPending DonationStatus = "pending"
	DonationStatusSuccess DonationStatus = "success"
	DonationStatusFailed  DonationStatus = "failed"
)

type DonationSource string

const (
	DonationSourceGateway DonationSource = "gateway"
	DonationSourceImport  DonationSource = "import"
)

// DonationEvent is a ledger row. Rows are never deleted; once the status is
// terminal the financial fields are frozen.
type DonationEvent struct {
	ID            int64          `db:"id" json:"id"`
	CampaignID    *int64         `db:"campaign_id" json:"campaign_id,omitempty"`
	Kind          DonationKind   `db:"kind" json:"kind"`
	Amount        int64          `db:"amount" json:"amount"`
	Quantity      int64          `db:"quantity" json:"quantity"`
	OrderRef      string         `db:"order_ref" json:"order_ref,omitempty"`
	ExternalTxnID string         `db:"external_txn_id" json:"external_txn_id,omitempty"`
	Status        DonationStatus `db:"status" json:"status"`
	Source        DonationSource `db:"source" json:"source"`
	Memo          string         `db:"memo" json:"memo,omitempty"`
	PaidAt        *time.Time     `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

type Campaign struct {
	ID        int64        `db:"id" json:"id"`
	Code      string       `db:"code" json:"code"`
	Title     string       `db:"title" json:"title"`
	Kind      DonationKind `db:"kind" json:"kind"`
	Active    bool         `db:"active" json:"active"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// CampaignAggregate holds derived totals. It is a cache over the ledger and
// must stay reconstructible from it at any time.
type CampaignAggregate struct {
	CampaignID    int64     `db:"campaign_id" json:"campaign_id"`
	Raised        int64     `db:"raised" json:"raised"`
	Supporters    int64     `db:"supporters" json:"supporters"`
	MealsReceived int64     `db:"meals_received" json:"meals_received"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

type BookingMethod string

const (
	BookingMethodPickup   BookingMethod = "pickup"
	BookingMethodMeet     BookingMethod = "meet"
	BookingMethodDelivery BookingMethod = "delivery"
)

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusAccepted  BookingStatus = "accepted"
	BookingStatusRejected  BookingStatus = "rejected"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusExpired   BookingStatus = "expired"
)

type Booking struct {
	ID             int64         `db:"id" json:"id"`
	ReceiverID     string        `db:"receiver_id" json:"receiver_id"`
	ItemRef        string        `db:"item_ref" json:"item_ref"`
	Quantity       int64         `db:"quantity" json:"quantity"`
	Method         BookingMethod `db:"method" json:"method"`
	Status         BookingStatus `db:"status" json:"status"`
	PickupLocation *string       `db:"pickup_location" json:"pickup_location,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "pending"
	DeliveryStatusAssigned   DeliveryStatus = "assigned"
	DeliveryStatusPickedUp   DeliveryStatus = "picked_up"
	DeliveryStatusDelivering DeliveryStatus = "delivering"
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
	DeliveryStatusCancelled  DeliveryStatus = "cancelled"
)

type Delivery struct {
	ID          int64           `db:"id" json:"id"`
	BookingID   int64           `db:"booking_id" json:"booking_id"`
	ShipperID   *string         `db:"shipper_id" json:"shipper_id,omitempty"`
	Status      DeliveryStatus  `db:"status" json:"status"`
	OTPCode     *string         `db:"otp_code" json:"otp_code,omitempty"`
	ProofImages json.RawMessage `db:"proof_images" json:"proof_images,omitempty"`
	ProofNote   string          `db:"proof_note" json:"proof_note,omitempty"`
	RouteInfo   json.RawMessage `db:"route_info" json:"route_info,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// ShipmentEvent is append-only: written once, never updated or deleted.
type ShipmentEvent struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	DeliveryID int64           `db:"delivery_id" json:"delivery_id"`
	ActorID    string          `db:"actor_id" json:"actor_id"`
	Kind       string          `db:"kind" json:"kind"`
	Metadata   json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleDonor    Role = "donor"
	RoleReceiver Role = "receiver"
	RoleShipper  Role = "shipper"
)

type User struct {
	ID       string `db:"id" json:"id"`
	Username string `db:"username" json:"username"`
	Password string `db:"password" json:"-"`
	Role     Role   `db:"role" json:"role"`
}

type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "CREATED"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusDone       TaskStatus = "DONE"
)

type OutboxTask struct {
	ID          uuid.UUID       `db:"id"`
	Status      TaskStatus      `db:"status"`
	Payload     json.RawMessage `db:"payload"`
	Topic       string          `db:"topic"`
	Attempts    int             `db:"attempts"`
	LastError   *string         `db:"last_error"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
	CompletedAt *time.Time      `db:"completed_at"`
}
