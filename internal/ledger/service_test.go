package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sharemeal/backend/internal/ledger"
	"github.com/sharemeal/backend/internal/repository"
	"github.com/sharemeal/backend/internal/repository/memstore"
)

func newTestService(t *testing.T) (*ledger.Service, *memstore.LedgerStore) {
	t.Helper()
	store := memstore.NewLedgerStore()
	store.AddCampaign(&repository.Campaign{
		ID:     1,
		Code:   "CD1",
		Title:  "Winter meals",
		Kind:   repository.DonationKindMoney,
		Active: true,
	})
	return ledger.NewService(store, zap.NewNop()), store
}

func campaignID(id int64) *int64 { return &id }

func TestIngest_InsertsNewEvent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, ledger.IngestCommand{
		ExternalTxnID: "txn-1",
		CampaignID:    campaignID(1),
		Kind:          repository.DonationKindMoney,
		Amount:        50000,
		Source:        repository.DonationSourceGateway,
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.OutcomeInserted, res.Outcome)
	assert.True(t, res.NewContribution)
	assert.Equal(t, repository.DonationStatusSuccess, res.Event.Status)

	agg, err := svc.Totals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), agg.Raised)
	assert.Equal(t, int64(1), agg.Supporters)
}

func TestIngest_ReplaySameTxnIsNoOp(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cmd := ledger.IngestCommand{
		ExternalTxnID: "txn-1",
		CampaignID:    campaignID(1),
		Kind:          repository.DonationKindMoney,
		Amount:        50000,
		Source:        repository.DonationSourceGateway,
	}
	_, err := svc.Ingest(ctx, cmd)
	require.NoError(t, err)

	// Same txn id, divergent amount: the replay must not change stored
	// financials or totals.
	cmd.Amount = 99999
	res, err := svc.Ingest(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeReplay, res.Outcome)
	assert.False(t, res.NewContribution)
	assert.Equal(t, int64(50000), res.Event.Amount)

	agg, err := svc.Totals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), agg.Raised)
	assert.Equal(t, int64(1), agg.Supporters)
}

func TestIngest_ValidationErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  ledger.IngestCommand
	}{
		{"missing txn id", ledger.IngestCommand{Kind: repository.DonationKindMoney, Amount: 100}},
		{"zero amount", ledger.IngestCommand{ExternalTxnID: "x", Kind: repository.DonationKindMoney}},
		{"zero quantity", ledger.IngestCommand{ExternalTxnID: "x", Kind: repository.DonationKindMeal}},
		{"bad kind", ledger.IngestCommand{ExternalTxnID: "x", Kind: "voucher", Amount: 100}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Ingest(ctx, tc.cmd)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestIngest_MealDonationCountsQuantity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, ledger.IngestCommand{
		ExternalTxnID: "meal-1",
		CampaignID:    campaignID(1),
		Kind:          repository.DonationKindMeal,
		Quantity:      12,
		Source:        repository.DonationSourceGateway,
	})
	require.NoError(t, err)

	agg, err := svc.Totals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.Raised)
	assert.Equal(t, int64(12), agg.MealsReceived)
	assert.Equal(t, int64(1), agg.Supporters)
}

func TestIngest_ResolvesCampaignFromMemoTag(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, ledger.IngestCommand{
		ExternalTxnID: "txn-tagged",
		Kind:          repository.DonationKindMoney,
		Amount:        1000,
		Memo:          "chuyen tien ung ho cd1 thang 9",
		Source:        repository.DonationSourceImport,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Event.CampaignID)
	assert.Equal(t, int64(1), *res.Event.CampaignID)
}

func TestIngest_UnresolvableCampaignStillRecorded(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, ledger.IngestCommand{
		ExternalTxnID: "txn-untagged",
		Kind:          repository.DonationKindMoney,
		Amount:        1000,
		Memo:          "no tag here",
		Source:        repository.DonationSourceImport,
	})
	require.NoError(t, err)
	assert.Nil(t, res.Event.CampaignID)

	totals, err := svc.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), totals.Raised)
}

func TestConfirmOrder_AdvancesPendingExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePending(ctx, ledger.IngestCommand{
		OrderRef:   "order-1",
		CampaignID: campaignID(1),
		Kind:       repository.DonationKindMoney,
		Amount:     20000,
	})
	require.NoError(t, err)

	// A pending session contributes nothing yet.
	agg, err := svc.Totals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.Raised)

	paidAt := time.Now().UTC()
	res, err := svc.ConfirmOrder(ctx, "order-1", "gw-txn-1", 20000, &paidAt)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAdvanced, res.Outcome)
	assert.True(t, res.NewContribution)

	// Redelivered callback: replay, totals unchanged.
	res, err = svc.ConfirmOrder(ctx, "order-1", "gw-txn-1", 20000, &paidAt)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeReplay, res.Outcome)

	agg, err = svc.Totals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), agg.Raised)
	assert.Equal(t, int64(1), agg.Supporters)
}

func TestConfirmOrder_TxnSettledByImportCountsOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Real gateway flow: the session row has no txn id until the callback.
	_, err := svc.CreatePending(ctx, ledger.IngestCommand{
		OrderRef:   "order-1",
		CampaignID: campaignID(1),
		Kind:       repository.DonationKindMoney,
		Amount:     50000,
	})
	require.NoError(t, err)

	// The bank statement lands first and records the transfer.
	res, err := svc.Ingest(ctx, ledger.IngestCommand{
		ExternalTxnID: "BANK-T1",
		CampaignID:    campaignID(1),
		Kind:          repository.DonationKindMoney,
		Amount:        50000,
		Source:        repository.DonationSourceImport,
	})
	require.NoError(t, err)
	assert.True(t, res.NewContribution)

	// The late callback for the same transfer must not count it again.
	res, err = svc.ConfirmOrder(ctx, "order-1", "BANK-T1", 50000, nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeReplay, res.Outcome)
	assert.False(t, res.NewContribution)

	agg, err := svc.Totals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), agg.Raised)
	assert.Equal(t, int64(1), agg.Supporters)

	// And a redelivery of the same callback stays a replay.
	res, err = svc.ConfirmOrder(ctx, "order-1", "BANK-T1", 50000, nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeReplay, res.Outcome)
}

func TestConfirmOrder_CallbackAmountNeverOverridesLedger(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePending(ctx, ledger.IngestCommand{
		OrderRef:   "order-1",
		CampaignID: campaignID(1),
		Kind:       repository.DonationKindMoney,
		Amount:     20000,
	})
	require.NoError(t, err)

	res, err := svc.ConfirmOrder(ctx, "order-1", "gw-txn-1", 77777, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), res.Event.Amount)

	agg, err := svc.Totals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), agg.Raised)
}

func TestConfirmOrder_UnknownOrder(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ConfirmOrder(context.Background(), "no-such-order", "txn", 100, nil)
	assert.ErrorIs(t, err, ledger.ErrUnknownOrder)
}

func TestFailOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreatePending(ctx, ledger.IngestCommand{
		OrderRef:   "order-1",
		CampaignID: campaignID(1),
		Kind:       repository.DonationKindMoney,
		Amount:     20000,
	})
	require.NoError(t, err)

	require.NoError(t, svc.FailOrder(ctx, "order-1"))

	agg, err := svc.Totals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.Raised)

	// Failing again is a no-op, and failed is terminal for callbacks too.
	require.NoError(t, svc.FailOrder(ctx, "order-1"))
	res, err := svc.ConfirmOrder(ctx, "order-1", "late-txn", 20000, nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeReplay, res.Outcome)
	assert.Equal(t, repository.DonationStatusFailed, res.Event.Status)
}

func TestIngest_ConcurrentSameTxnCountsOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const goroutines = 16
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Ingest(ctx, ledger.IngestCommand{
				ExternalTxnID: "txn-race",
				CampaignID:    campaignID(1),
				Kind:          repository.DonationKindMoney,
				Amount:        5000,
				Source:        repository.DonationSourceGateway,
			})
		}()
	}
	wg.Wait()

	agg, err := svc.Totals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), agg.Raised)
	assert.Equal(t, int64(1), agg.Supporters)
}

func TestRecompute_MatchesIncrementalTotals(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := svc.Ingest(ctx, ledger.IngestCommand{
			ExternalTxnID: fmt.Sprintf("txn-%d", i),
			CampaignID:    campaignID(1),
			Kind:          repository.DonationKindMoney,
			Amount:        1000,
			Source:        repository.DonationSourceGateway,
		})
		require.NoError(t, err)
	}

	before, err := svc.Totals(ctx, 1)
	require.NoError(t, err)

	after, err := svc.Recompute(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, before.Raised, after.Raised)
	assert.Equal(t, before.Supporters, after.Supporters)
	assert.Equal(t, before.MealsReceived, after.MealsReceived)
}

func TestRecompute_RepairsDriftedAggregate(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, ledger.IngestCommand{
		ExternalTxnID: "txn-1",
		CampaignID:    campaignID(1),
		Kind:          repository.DonationKindMoney,
		Amount:        3000,
		Source:        repository.DonationSourceGateway,
	})
	require.NoError(t, err)

	// Corrupt the cached aggregate out of band.
	require.NoError(t, store.SetAggregate(ctx, &repository.CampaignAggregate{
		CampaignID: 1,
		Raised:     999999,
		Supporters: 42,
	}))

	agg, err := svc.Recompute(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), agg.Raised)
	assert.Equal(t, int64(1), agg.Supporters)
}

func TestTotals_UnknownCampaign(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Totals(context.Background(), 404)
	assert.ErrorIs(t, err, repository.ErrObjectNotFound)
}
