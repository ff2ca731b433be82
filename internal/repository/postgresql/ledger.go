package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/sharemeal/backend/internal/db"
	"github.com/sharemeal/backend/internal/ledger"
	"github.com/sharemeal/backend/internal/repository"
)

type LedgerStore struct {
	db db.DB
}

func NewLedgerStore(database db.DB) ledger.Store {
	return &LedgerStore{db: database}
}

func (r *LedgerStore) GetEventByTxnID(ctx context.Context, txnID string) (*repository.DonationEvent, error) {
	var ev repository.DonationEvent
	err := r.db.Get(ctx, &ev, "SELECT * FROM donation_events WHERE external_txn_id = $1", txnID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &ev, nil
}

func (r *LedgerStore) GetEventByOrderRef(ctx context.Context, orderRef string) (*repository.DonationEvent, error) {
	var ev repository.DonationEvent
	err := r.db.Get(ctx, &ev, "SELECT * FROM donation_events WHERE order_ref = $1", orderRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &ev, nil
}

// InsertEvent relies on the unique index over external_txn_id: the insert
// silently loses to an existing row instead of erroring, so concurrent
// ingestions of the same txn id resolve to one winner.
func (r *LedgerStore) InsertEvent(ctx context.Context, ev *repository.DonationEvent) (bool, error) {
	err := r.db.ExecQueryRow(ctx, `
        INSERT INTO donation_events (
            campaign_id, kind, amount, quantity, order_ref, external_txn_id,
            status, source, memo, paid_at, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11, $12)
        ON CONFLICT (external_txn_id) DO NOTHING
        RETURNING id
    `, ev.CampaignID, ev.Kind, ev.Amount, ev.Quantity, ev.OrderRef, ev.ExternalTxnID,
		ev.Status, ev.Source, ev.Memo, ev.PaidAt, ev.CreatedAt, ev.UpdatedAt,
	).Scan(&ev.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert donation event: %w", err)
	}
	return true, nil
}

func (r *LedgerStore) AdvanceEventStatus(ctx context.Context, id int64, from, to repository.DonationStatus, txnID string, campaignID *int64, paidAt *time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE donation_events
        SET status = $1,
            external_txn_id = COALESCE(NULLIF($2, ''), external_txn_id),
            campaign_id = COALESCE($3, campaign_id),
            paid_at = COALESCE($4, paid_at),
            updated_at = $5
        WHERE id = $6 AND status = $7
    `, to, txnID, campaignID, paidAt, time.Now().UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("advance donation status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *LedgerStore) RefreshEventDetails(ctx context.Context, id int64, memo string, paidAt *time.Time) error {
	_, err := r.db.Exec(ctx, `
        UPDATE donation_events
        SET memo = CASE WHEN $1 = '' THEN memo ELSE $1 END,
            paid_at = COALESCE($2, paid_at),
            updated_at = $3
        WHERE id = $4
    `, memo, paidAt, time.Now().UTC(), id)
	return err
}

func (r *LedgerStore) ApplyAggregateDelta(ctx context.Context, campaignID int64, raised, supporters, meals int64) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO campaign_aggregates (campaign_id, raised, supporters, meals_received, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (campaign_id) DO UPDATE SET
            raised = campaign_aggregates.raised + EXCLUDED.raised,
            supporters = campaign_aggregates.supporters + EXCLUDED.supporters,
            meals_received = campaign_aggregates.meals_received + EXCLUDED.meals_received,
            updated_at = EXCLUDED.updated_at
    `, campaignID, raised, supporters, meals, time.Now().UTC())
	return err
}

func (r *LedgerStore) SetAggregate(ctx context.Context, agg *repository.CampaignAggregate) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO campaign_aggregates (campaign_id, raised, supporters, meals_received, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (campaign_id) DO UPDATE SET
            raised = EXCLUDED.raised,
            supporters = EXCLUDED.supporters,
            meals_received = EXCLUDED.meals_received,
            updated_at = EXCLUDED.updated_at
    `, agg.CampaignID, agg.Raised, agg.Supporters, agg.MealsReceived, agg.UpdatedAt)
	return err
}

func (r *LedgerStore) GetAggregate(ctx context.Context, campaignID int64) (*repository.CampaignAggregate, error) {
	var agg repository.CampaignAggregate
	err := r.db.Get(ctx, &agg, "SELECT * FROM campaign_aggregates WHERE campaign_id = $1", campaignID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &agg, nil
}

func (r *LedgerStore) SumSuccessful(ctx context.Context, campaignID int64) (*repository.CampaignAggregate, error) {
	var agg repository.CampaignAggregate
	err := r.db.Get(ctx, &agg, `
        SELECT
            $1::bigint AS campaign_id,
            COALESCE(SUM(CASE WHEN kind = 'money' THEN amount ELSE 0 END), 0) AS raised,
            COUNT(*) AS supporters,
            COALESCE(SUM(CASE WHEN kind = 'meal' THEN quantity ELSE 0 END), 0) AS meals_received,
            NOW() AS updated_at
        FROM donation_events
        WHERE campaign_id = $1 AND status = 'success'
    `, campaignID)
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *LedgerStore) GetCampaignByCode(ctx context.Context, code string) (*repository.Campaign, error) {
	var c repository.Campaign
	err := r.db.Get(ctx, &c, "SELECT * FROM campaigns WHERE UPPER(code) = UPPER($1) AND active", code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrObjectNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *LedgerStore) CampaignExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.db.ExecQueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *LedgerStore) GlobalTotals(ctx context.Context) (*ledger.Totals, error) {
	var t ledger.Totals
	err := r.db.Get(ctx, &t, `
        SELECT
            COALESCE(SUM(CASE WHEN kind = 'money' THEN amount ELSE 0 END), 0) AS raised,
            COUNT(*) AS supporters,
            COALESCE(SUM(CASE WHEN kind = 'meal' THEN quantity ELSE 0 END), 0) AS meals_received
        FROM donation_events
        WHERE status = 'success'
    `)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
