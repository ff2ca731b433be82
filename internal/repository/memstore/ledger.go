// Package memstore is the embedded storage driver: the same store
// contracts as the postgres driver, backed by mutex-guarded maps. It
// carries single-node deployments and the test suite; core services never
// know which driver they run on.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sharemeal/backend/internal/ledger"
	"github.com/sharemeal/backend/internal/repository"
)

type LedgerStore struct {
	mu         sync.Mutex
	nextID     int64
	events     map[int64]*repository.DonationEvent
	byTxnID    map[string]int64
	byOrderRef map[string]int64
	aggregates map[int64]*repository.CampaignAggregate
	campaigns  map[int64]*repository.Campaign
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		nextID:     1,
		events:     make(map[int64]*repository.DonationEvent),
		byTxnID:    make(map[string]int64),
		byOrderRef: make(map[string]int64),
		aggregates: make(map[int64]*repository.CampaignAggregate),
		campaigns:  make(map[int64]*repository.Campaign),
	}
}

// AddCampaign registers a campaign row; campaign CRUD itself lives outside
// the core and is seeded directly in tests and single-node bootstrap.
func (s *LedgerStore) AddCampaign(c *repository.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *c
	s.campaigns[c.ID] = &clone
}

func cloneEvent(ev *repository.DonationEvent) *repository.DonationEvent {
	clone := *ev
	if ev.CampaignID != nil {
		id := *ev.CampaignID
		clone.CampaignID = &id
	}
	if ev.PaidAt != nil {
		t := *ev.PaidAt
		clone.PaidAt = &t
	}
	return &clone
}

func (s *LedgerStore) GetEventByTxnID(ctx context.Context, txnID string) (*repository.DonationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTxnID[txnID]
	if !ok {
		return nil, repository.ErrObjectNotFound
	}
	return cloneEvent(s.events[id]), nil
}

func (s *LedgerStore) GetEventByOrderRef(ctx context.Context, orderRef string) (*repository.DonationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOrderRef[orderRef]
	if !ok {
		return nil, repository.ErrObjectNotFound
	}
	return cloneEvent(s.events[id]), nil
}

func (s *LedgerStore) InsertEvent(ctx context.Context, ev *repository.DonationEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ExternalTxnID != "" {
		if _, exists := s.byTxnID[ev.ExternalTxnID]; exists {
			return false, nil
		}
	}

	ev.ID = s.nextID
	s.nextID++
	s.events[ev.ID] = cloneEvent(ev)
	if ev.ExternalTxnID != "" {
		s.byTxnID[ev.ExternalTxnID] = ev.ID
	}
	if ev.OrderRef != "" {
		s.byOrderRef[ev.OrderRef] = ev.ID
	}
	return true, nil
}

func (s *LedgerStore) AdvanceEventStatus(ctx context.Context, id int64, from, to repository.DonationStatus, txnID string, campaignID *int64, paidAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok || ev.Status != from {
		return false, nil
	}
	ev.Status = to
	if txnID != "" && ev.ExternalTxnID == "" {
		ev.ExternalTxnID = txnID
		s.byTxnID[txnID] = id
	}
	if campaignID != nil {
		cid := *campaignID
		ev.CampaignID = &cid
	}
	if paidAt != nil {
		t := *paidAt
		ev.PaidAt = &t
	}
	ev.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *LedgerStore) RefreshEventDetails(ctx context.Context, id int64, memo string, paidAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return repository.ErrObjectNotFound
	}
	if memo != "" {
		ev.Memo = memo
	}
	if paidAt != nil {
		t := *paidAt
		ev.PaidAt = &t
	}
	ev.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *LedgerStore) ApplyAggregateDelta(ctx context.Context, campaignID int64, raised, supporters, meals int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.aggregates[campaignID]
	if !ok {
		agg = &repository.CampaignAggregate{CampaignID: campaignID}
		s.aggregates[campaignID] = agg
	}
	agg.Raised += raised
	agg.Supporters += supporters
	agg.MealsReceived += meals
	agg.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *LedgerStore) SetAggregate(ctx context.Context, in *repository.CampaignAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *in
	s.aggregates[in.CampaignID] = &clone
	return nil
}

func (s *LedgerStore) GetAggregate(ctx context.Context, campaignID int64) (*repository.CampaignAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.aggregates[campaignID]
	if !ok {
		return nil, repository.ErrObjectNotFound
	}
	clone := *agg
	return &clone, nil
}

func (s *LedgerStore) SumSuccessful(ctx context.Context, campaignID int64) (*repository.CampaignAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := &repository.CampaignAggregate{CampaignID: campaignID}
	for _, ev := range s.events {
		if ev.Status != repository.DonationStatusSuccess || ev.CampaignID == nil || *ev.CampaignID != campaignID {
			continue
		}
		agg.Supporters++
		if ev.Kind == repository.DonationKindMoney {
			agg.Raised += ev.Amount
		} else {
			agg.MealsReceived += ev.Quantity
		}
	}
	return agg, nil
}

func (s *LedgerStore) GetCampaignByCode(ctx context.Context, code string) (*repository.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.campaigns {
		if c.Active && strings.EqualFold(c.Code, code) {
			clone := *c
			return &clone, nil
		}
	}
	return nil, repository.ErrObjectNotFound
}

func (s *LedgerStore) CampaignExists(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.campaigns[id]
	return ok, nil
}

func (s *LedgerStore) GlobalTotals(ctx context.Context) (*ledger.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &ledger.Totals{}
	for _, ev := range s.events {
		if ev.Status != repository.DonationStatusSuccess {
			continue
		}
		t.Supporters++
		if ev.Kind == repository.DonationKindMoney {
			t.Raised += ev.Amount
		} else {
			t.MealsReceived += ev.Quantity
		}
	}
	return t, nil
}

var _ ledger.Store = (*LedgerStore)(nil)
