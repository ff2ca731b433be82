package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sharemeal/backend/internal/repository"
)

// keyedMutex serializes aggregate writes per campaign so an incremental
// delta can never interleave with a recompute of the same campaign.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*sync.Mutex)}
}

func (k *keyedMutex) lock(id int64) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Totals returns the cached aggregate for a campaign. A campaign with no
// contributions yet reads as zeros.
func (s *Service) Totals(ctx context.Context, campaignID int64) (*repository.CampaignAggregate, error) {
	ok, err := s.store.CampaignExists(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign lookup: %w", err)
	}
	if !ok {
		return nil, repository.ErrObjectNotFound
	}

	agg, err := s.store.GetAggregate(ctx, campaignID)
	if err == nil {
		return agg, nil
	}
	if errors.Is(err, repository.ErrObjectNotFound) {
		return &repository.CampaignAggregate{CampaignID: campaignID, UpdatedAt: time.Now().UTC()}, nil
	}
	return nil, fmt.Errorf("read aggregate: %w", err)
}

// Recompute repairs the aggregate cache by folding every successful ledger
// row for the campaign and overwriting the cached totals. It holds the
// campaign lock for its whole duration, so concurrent ingestions for the
// same campaign wait rather than interleave.
func (s *Service) Recompute(ctx context.Context, campaignID int64) (*repository.CampaignAggregate, error) {
	ok, err := s.store.CampaignExists(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign lookup: %w", err)
	}
	if !ok {
		return nil, repository.ErrObjectNotFound
	}

	unlock := s.locks.lock(campaignID)
	defer unlock()

	agg, err := s.store.SumSuccessful(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("fold successful events: %w", err)
	}
	agg.CampaignID = campaignID
	agg.UpdatedAt = time.Now().UTC()

	if err := s.store.SetAggregate(ctx, agg); err != nil {
		return nil, fmt.Errorf("overwrite aggregate: %w", err)
	}
	s.logger.Info("campaign aggregate recomputed",
		zap.Int64("campaign_id", campaignID),
		zap.Int64("raised", agg.Raised),
		zap.Int64("supporters", agg.Supporters))
	return agg, nil
}

// Overview folds platform-wide totals from the ledger. Callers cache the
// result (see internal/cache) because it scans all successful rows.
func (s *Service) Overview(ctx context.Context) (*Totals, error) {
	return s.store.GlobalTotals(ctx)
}
