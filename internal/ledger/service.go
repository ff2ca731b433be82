package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/sharemeal/backend/internal/metrics"
	"github.com/sharemeal/backend/internal/repository"
)

var (
	ErrUnknownOrder = errors.New("unknown payment order")
	ErrValidation   = errors.New("invalid ingest input")
)

// Store is the ledger persistence contract. Exactly one implementation is
// chosen at startup; the service never branches on which one is active.
// Every primitive that can race (insert by txn id, status advance, aggregate
// increment) must be atomic in the implementation.
type Store interface {
	GetEventByTxnID(ctx context.Context, txnID string) (*repository.DonationEvent, error)
	GetEventByOrderRef(ctx context.Context, orderRef string) (*repository.DonationEvent, error)
	// InsertEvent returns false when a row with the same external txn id
	// already exists (the insert is a lost race, not an error).
	InsertEvent(ctx context.Context, ev *repository.DonationEvent) (bool, error)
	// AdvanceEventStatus flips status only when the current value equals
	// from; returns false otherwise.
	AdvanceEventStatus(ctx context.Context, id int64, from, to repository.DonationStatus, txnID string, campaignID *int64, paidAt *time.Time) (bool, error)
	// RefreshEventDetails updates non-financial fields of a terminal row.
	RefreshEventDetails(ctx context.Context, id int64, memo string, paidAt *time.Time) error

	ApplyAggregateDelta(ctx context.Context, campaignID int64, raised, supporters, meals int64) error
	SetAggregate(ctx context.Context, agg *repository.CampaignAggregate) error
	GetAggregate(ctx context.Context, campaignID int64) (*repository.CampaignAggregate, error)
	SumSuccessful(ctx context.Context, campaignID int64) (*repository.CampaignAggregate, error)

	GetCampaignByCode(ctx context.Context, code string) (*repository.Campaign, error)
	CampaignExists(ctx context.Context, id int64) (bool, error)
	GlobalTotals(ctx context.Context) (*Totals, error)
}

type Totals struct {
	Raised        int64 `json:"raised" db:"raised"`
	Supporters    int64 `json:"supporters" db:"supporters"`
	MealsReceived int64 `json:"meals_received" db:"meals_received"`
}

// IngestCommand describes one external donation event. Amount is in the
// minor currency unit; Quantity is used for meal donations.
type IngestCommand struct {
	ExternalTxnID string
	OrderRef      string
	CampaignID    *int64
	Kind          repository.DonationKind
	Amount        int64
	Quantity      int64
	Memo          string
	PaidAt        *time.Time
	Source        repository.DonationSource
}

type IngestOutcome string

const (
	OutcomeInserted IngestOutcome = "inserted"
	OutcomeAdvanced IngestOutcome = "advanced"
	OutcomeReplay   IngestOutcome = "replay"
)

type IngestResult struct {
	Event *repository.DonationEvent
	// NewContribution reports whether this call added the event's values to
	// the campaign aggregate. Replays never set it.
	NewContribution bool
	Outcome         IngestOutcome
}

type Service struct {
	store  Store
	logger *zap.Logger
	locks  *keyedMutex
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		locks:  newKeyedMutex(),
	}
}

// campaign memo tags look like "CD12" / "cd0042" anywhere in the transfer
// description.
var campaignTagPattern = regexp.MustCompile(`(?i)\bCD\d{1,8}\b`)

// ResolveCampaign picks the campaign for an event: an explicit hint wins if
// the campaign still exists, otherwise the memo is scanned for a tag. An
// unresolvable reference yields nil, never an error.
func (s *Service) ResolveCampaign(ctx context.Context, hint *int64, memo string) *int64 {
	if hint != nil {
		ok, err := s.store.CampaignExists(ctx, *hint)
		if err != nil {
			s.logger.Warn("campaign hint lookup failed", zap.Int64("campaign_id", *hint), zap.Error(err))
		} else if ok {
			return hint
		}
	}

	tag := campaignTagPattern.FindString(memo)
	if tag == "" {
		return nil
	}
	campaign, err := s.store.GetCampaignByCode(ctx, tag)
	if err != nil {
		if !errors.Is(err, repository.ErrObjectNotFound) {
			s.logger.Warn("campaign tag lookup failed", zap.String("tag", tag), zap.Error(err))
		}
		return nil
	}
	return &campaign.ID
}

// CreatePending records a payment session the gateway has already accepted.
// It must only be called after the gateway returned an order id; a creation
// request the gateway rejected leaves no ledger row.
func (s *Service) CreatePending(ctx context.Context, cmd IngestCommand) (*repository.DonationEvent, error) {
	if cmd.OrderRef == "" {
		return nil, fmt.Errorf("%w: missing order ref", ErrValidation)
	}
	if cmd.Kind == repository.DonationKindMoney && cmd.Amount <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount", ErrValidation)
	}

	now := time.Now().UTC()
	ev := &repository.DonationEvent{
		CampaignID:    s.ResolveCampaign(ctx, cmd.CampaignID, cmd.Memo),
		Kind:          cmd.Kind,
		Amount:        cmd.Amount,
		Quantity:      cmd.Quantity,
		OrderRef:      cmd.OrderRef,
		ExternalTxnID: cmd.ExternalTxnID,
		Status:        repository.DonationStatusPending,
		Source:        repository.DonationSourceGateway,
		Memo:          cmd.Memo,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.store.InsertEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("insert pending event: %w", err)
	}
	return ev, nil
}

// Ingest records an externally confirmed donation. It is safe under
// at-least-once delivery: replaying the same external txn id is a no-op for
// all financial fields and for aggregate totals.
func (s *Service) Ingest(ctx context.Context, cmd IngestCommand) (*IngestResult, error) {
	if cmd.ExternalTxnID == "" {
		return nil, fmt.Errorf("%w: missing external txn id", ErrValidation)
	}
	switch cmd.Kind {
	case repository.DonationKindMoney:
		if cmd.Amount <= 0 {
			return nil, fmt.Errorf("%w: non-positive amount", ErrValidation)
		}
	case repository.DonationKindMeal:
		if cmd.Quantity <= 0 {
			return nil, fmt.Errorf("%w: non-positive quantity", ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unrecognized kind %q", ErrValidation, cmd.Kind)
	}

	campaignID := s.ResolveCampaign(ctx, cmd.CampaignID, cmd.Memo)

	existing, err := s.store.GetEventByTxnID(ctx, cmd.ExternalTxnID)
	if err != nil && !errors.Is(err, repository.ErrObjectNotFound) {
		return nil, fmt.Errorf("lookup event by txn id: %w", err)
	}

	if existing == nil {
		now := time.Now().UTC()
		ev := &repository.DonationEvent{
			CampaignID:    campaignID,
			Kind:          cmd.Kind,
			Amount:        cmd.Amount,
			Quantity:      cmd.Quantity,
			OrderRef:      cmd.OrderRef,
			ExternalTxnID: cmd.ExternalTxnID,
			Status:        repository.DonationStatusSuccess,
			Source:        cmd.Source,
			Memo:          cmd.Memo,
			PaidAt:        cmd.PaidAt,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		inserted, err := s.store.InsertEvent(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
		if inserted {
			s.applyContribution(ctx, ev)
			metrics.DonationsIngestedTotal.WithLabelValues(string(cmd.Source)).Inc()
			return &IngestResult{Event: ev, NewContribution: true, Outcome: OutcomeInserted}, nil
		}
		// Lost the insert race; fall through to the advance path against
		// the row the winner created.
		existing, err = s.store.GetEventByTxnID(ctx, cmd.ExternalTxnID)
		if err != nil {
			return nil, fmt.Errorf("re-read event after insert race: %w", err)
		}
	}

	return s.settleExisting(ctx, existing, campaignID, cmd)
}

// settleExisting handles the "txn id already has a row" half of ingestion:
// pending rows advance, terminal rows are confirmed no-ops.
func (s *Service) settleExisting(ctx context.Context, ev *repository.DonationEvent, campaignID *int64, cmd IngestCommand) (*IngestResult, error) {
	switch ev.Status {
	case repository.DonationStatusPending:
		if ev.CampaignID != nil {
			campaignID = ev.CampaignID
		}
		advanced, err := s.store.AdvanceEventStatus(ctx, ev.ID,
			repository.DonationStatusPending, repository.DonationStatusSuccess,
			cmd.ExternalTxnID, campaignID, cmd.PaidAt)
		if err != nil {
			return nil, fmt.Errorf("advance event status: %w", err)
		}
		if !advanced {
			// Another ingestion won the flip; its totals already count.
			metrics.DonationReplaysTotal.Inc()
			fresh, err := s.store.GetEventByTxnID(ctx, cmd.ExternalTxnID)
			if err != nil {
				return nil, err
			}
			return &IngestResult{Event: fresh, Outcome: OutcomeReplay}, nil
		}
		ev.Status = repository.DonationStatusSuccess
		ev.CampaignID = campaignID
		ev.PaidAt = cmd.PaidAt
		s.applyContribution(ctx, ev)
		metrics.DonationsIngestedTotal.WithLabelValues(string(cmd.Source)).Inc()
		return &IngestResult{Event: ev, NewContribution: true, Outcome: OutcomeAdvanced}, nil

	case repository.DonationStatusSuccess:
		// Terminal. Values may be refreshed but totals were added exactly
		// once when the row first became successful.
		if err := s.store.RefreshEventDetails(ctx, ev.ID, cmd.Memo, cmd.PaidAt); err != nil {
			s.logger.Warn("refreshing terminal event details", zap.String("txn_id", ev.ExternalTxnID), zap.Error(err))
		}
		metrics.DonationReplaysTotal.Inc()
		return &IngestResult{Event: ev, Outcome: OutcomeReplay}, nil

	default: // failed
		metrics.DonationReplaysTotal.Inc()
		return &IngestResult{Event: ev, Outcome: OutcomeReplay}, nil
	}
}

// ConfirmOrder advances the pending row created for a gateway payment
// session. The order ref comes from the callback; unknown refs reject
// without mutation.
func (s *Service) ConfirmOrder(ctx context.Context, orderRef, txnID string, amount int64, paidAt *time.Time) (*IngestResult, error) {
	ev, err := s.store.GetEventByOrderRef(ctx, orderRef)
	if err != nil {
		if errors.Is(err, repository.ErrObjectNotFound) {
			return nil, ErrUnknownOrder
		}
		return nil, fmt.Errorf("lookup event by order ref: %w", err)
	}

	// The bank statement for this transfer may land before the callback.
	// When another row already owns the txn id as success, that row carried
	// the contribution; the callback is a replay and the session row must
	// not count the money again.
	if txnID != "" && ev.ExternalTxnID != txnID {
		owner, err := s.store.GetEventByTxnID(ctx, txnID)
		if err != nil && !errors.Is(err, repository.ErrObjectNotFound) {
			return nil, fmt.Errorf("lookup event by txn id: %w", err)
		}
		if owner != nil && owner.ID != ev.ID && owner.Status == repository.DonationStatusSuccess {
			s.logger.Info("callback txn already settled by an imported row, leaving session untouched",
				zap.String("order_ref", orderRef),
				zap.String("txn_id", txnID))
			metrics.DonationReplaysTotal.Inc()
			return &IngestResult{Event: owner, Outcome: OutcomeReplay}, nil
		}
	}

	cmd := IngestCommand{
		ExternalTxnID: txnID,
		OrderRef:      orderRef,
		Kind:          ev.Kind,
		Amount:        ev.Amount,
		Quantity:      ev.Quantity,
		Memo:          ev.Memo,
		PaidAt:        paidAt,
		Source:        repository.DonationSourceGateway,
	}
	if amount != 0 && amount != ev.Amount {
		s.logger.Warn("callback amount differs from pending row, keeping ledger value",
			zap.String("order_ref", orderRef),
			zap.Int64("ledger_amount", ev.Amount),
			zap.Int64("callback_amount", amount))
	}
	return s.settleExisting(ctx, ev, ev.CampaignID, cmd)
}

// FailOrder moves a pending payment session to failed. Terminal rows are
// left untouched.
func (s *Service) FailOrder(ctx context.Context, orderRef string) error {
	ev, err := s.store.GetEventByOrderRef(ctx, orderRef)
	if err != nil {
		if errors.Is(err, repository.ErrObjectNotFound) {
			return ErrUnknownOrder
		}
		return fmt.Errorf("lookup event by order ref: %w", err)
	}
	if ev.Status != repository.DonationStatusPending {
		return nil
	}
	_, err = s.store.AdvanceEventStatus(ctx, ev.ID,
		repository.DonationStatusPending, repository.DonationStatusFailed,
		ev.ExternalTxnID, ev.CampaignID, nil)
	if err != nil {
		return fmt.Errorf("fail event: %w", err)
	}
	return nil
}

// applyContribution increments the campaign aggregate for an event that just
// became successful. It runs under the per-campaign lock so it never
// interleaves with a recompute of the same campaign. An event without a
// campaign contributes to global totals only (derived on read).
func (s *Service) applyContribution(ctx context.Context, ev *repository.DonationEvent) {
	if ev.CampaignID == nil {
		return
	}
	id := *ev.CampaignID
	unlock := s.locks.lock(id)
	defer unlock()

	var raised, meals int64
	if ev.Kind == repository.DonationKindMoney {
		raised = ev.Amount
	} else {
		meals = ev.Quantity
	}
	if err := s.store.ApplyAggregateDelta(ctx, id, raised, 1, meals); err != nil {
		// The ledger row is already terminal, so a recompute repairs this.
		// Still fail loudly in logs: silently diverging totals is a defect.
		s.logger.Error("applying aggregate delta", zap.Int64("campaign_id", id), zap.Error(err))
		metrics.OperationErrorsTotal.WithLabelValues("apply_aggregate_delta").Inc()
	}
}
