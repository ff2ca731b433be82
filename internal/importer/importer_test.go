package importer_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sharemeal/backend/internal/importer"
	"github.com/sharemeal/backend/internal/ledger"
	"github.com/sharemeal/backend/internal/repository"
	"github.com/sharemeal/backend/internal/repository/memstore"
)

func newTestImporter(t *testing.T) (*importer.Service, *ledger.Service) {
	t.Helper()
	store := memstore.NewLedgerStore()
	store.AddCampaign(&repository.Campaign{ID: 3, Code: "CD3", Title: "School lunches", Active: true})
	ledgerSvc := ledger.NewService(store, zap.NewNop())
	return importer.NewService(ledgerSvc, zap.NewNop()), ledgerSvc
}

func TestImport_CanonicalHeader(t *testing.T) {
	svc, ledgerSvc := newTestImporter(t)

	csv := strings.Join([]string{
		"txn_id,amount,memo,date",
		"FT001,50000,ung ho CD3,2026-01-02",
		"FT002,25000,no tag,2026-01-03",
	}, "\n")

	tally, err := svc.Import(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)

	assert.Equal(t, 2, tally.Scanned)
	assert.Equal(t, 2, tally.Inserted)
	assert.Equal(t, 1, tally.Matched)
	assert.Equal(t, 0, tally.Skipped)

	agg, err := ledgerSvc.Totals(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), agg.Raised)
}

func TestImport_BankAliasesAndSemicolons(t *testing.T) {
	svc, _ := newTestImporter(t)

	csv := strings.Join([]string{
		"Ma_GD;So_Tien;Noi_Dung;Ngay_GD",
		"FT001;1,500,000;chuyen khoan cd3;02/01/2026",
	}, "\n")

	tally, err := svc.Import(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)

	assert.Equal(t, 1, tally.Inserted)
	assert.Equal(t, 1, tally.Matched)
}

func TestImport_ReplayedUploadDoesNotDoubleCount(t *testing.T) {
	svc, ledgerSvc := newTestImporter(t)
	ctx := context.Background()

	csv := "txn_id,amount,memo\nFT001,50000,ung ho CD3\n"
	_, err := svc.Import(ctx, strings.NewReader(csv))
	require.NoError(t, err)

	tally, err := svc.Import(ctx, strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 0, tally.Inserted)
	assert.Equal(t, 1, tally.Updated)

	agg, err := ledgerSvc.Totals(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), agg.Raised)
	assert.Equal(t, int64(1), agg.Supporters)
}

func TestImport_SettlesPendingGatewayRow(t *testing.T) {
	svc, ledgerSvc := newTestImporter(t)
	ctx := context.Background()

	_, err := ledgerSvc.CreatePending(ctx, ledger.IngestCommand{
		OrderRef:      "order-1",
		ExternalTxnID: "FT001",
		Kind:          repository.DonationKindMoney,
		Amount:        50000,
		Memo:          "CD3 donation",
	})
	require.NoError(t, err)

	tally, err := svc.Import(ctx, strings.NewReader("txn_id,amount\nFT001,50000\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, tally.Updated)

	agg, err := ledgerSvc.Totals(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), agg.Raised)
}

func TestImport_SkipsMalformedRows(t *testing.T) {
	svc, _ := newTestImporter(t)

	csv := strings.Join([]string{
		"txn_id,amount,memo",
		",50000,missing txn id",
		"FT001,zero amount,",
		"FT002,-100,negative",
		"FT003,1000,fine",
	}, "\n")

	tally, err := svc.Import(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)

	assert.Equal(t, 4, tally.Scanned)
	assert.Equal(t, 3, tally.Skipped)
	assert.Equal(t, 1, tally.Inserted)
}

func TestImport_UnrecognizableHeader(t *testing.T) {
	svc, _ := newTestImporter(t)

	_, err := svc.Import(context.Background(), strings.NewReader("foo,bar\n1,2\n"))
	assert.ErrorIs(t, err, importer.ErrNoHeader)
}
