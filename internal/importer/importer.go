package importer

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sharemeal/backend/internal/ledger"
	"github.com/sharemeal/backend/internal/metrics"
	"github.com/sharemeal/backend/internal/repository"
)

var ErrNoHeader = errors.New("statement has no recognizable header row")

// Tally is the per-upload outcome summary.
type Tally struct {
	Scanned  int `json:"scanned"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Matched  int `json:"matched"`
	Skipped  int `json:"skipped"`
}

// Service ingests bank statement exports. Bank-confirmed transfers are
// trusted as final: rows land in the ledger as success, tagged with the
// import source so reconciliation can segregate them from verified gateway
// callbacks.
type Service struct {
	ledger *ledger.Service
	logger *zap.Logger
}

func NewService(ledgerSvc *ledger.Service, logger *zap.Logger) *Service {
	return &Service{ledger: ledgerSvc, logger: logger}
}

// Column aliases across the bank export formats we accept. Header matching
// is case-insensitive and ignores surrounding whitespace.
var columnAliases = map[string][]string{
	"txn_id": {"txn_id", "transaction_id", "reference", "ref", "ref_no", "bank_ref", "ma_gd"},
	"amount": {"amount", "credit", "credit_amount", "value", "so_tien"},
	"memo":   {"memo", "description", "narrative", "detail", "content", "noi_dung"},
	"date":   {"date", "paid_at", "value_date", "transaction_date", "ngay_gd"},
}

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
	time.RFC3339,
}

func resolveColumns(header []string) (map[string]int, error) {
	index := make(map[string]int)
	for i, raw := range header {
		name := strings.ToLower(strings.TrimSpace(raw))
		for canonical, aliases := range columnAliases {
			for _, alias := range aliases {
				if name == alias {
					if _, taken := index[canonical]; !taken {
						index[canonical] = i
					}
				}
			}
		}
	}
	if _, ok := index["txn_id"]; !ok {
		return nil, ErrNoHeader
	}
	if _, ok := index["amount"]; !ok {
		return nil, ErrNoHeader
	}
	return index, nil
}

// sniffDelimiter peeks at the first line: bank exports use ',' or ';'.
func sniffDelimiter(r *bufio.Reader) rune {
	line, _ := r.Peek(1024)
	if strings.Count(string(line), ";") > strings.Count(string(line), ",") {
		return ';'
	}
	return ','
}

func parseAmount(raw string) (int64, error) {
	cleaned := strings.NewReplacer(",", "", " ", "", "\u00a0", "").Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return 0, fmt.Errorf("empty amount")
	}
	// Some exports carry a decimal part even for integral VND-style values.
	if i := strings.IndexByte(cleaned, '.'); i >= 0 {
		cleaned = cleaned[:i]
	}
	return strconv.ParseInt(cleaned, 10, 64)
}

func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// Import reads a delimited statement export and feeds each row into the
// ledger. A malformed row is skipped and counted, never fatal for the rest
// of the upload.
func (s *Service) Import(ctx context.Context, r io.Reader) (*Tally, error) {
	buffered := bufio.NewReader(r)
	reader := csv.NewReader(buffered)
	reader.Comma = sniffDelimiter(buffered)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	columns, err := resolveColumns(header)
	if err != nil {
		return nil, err
	}

	tally := &Tally{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			tally.Scanned++
			tally.Skipped++
			metrics.ImportRowsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		tally.Scanned++

		field := func(name string) string {
			i, ok := columns[name]
			if !ok || i >= len(record) {
				return ""
			}
			return record[i]
		}

		txnID := strings.TrimSpace(field("txn_id"))
		if txnID == "" {
			tally.Skipped++
			metrics.ImportRowsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		amount, err := parseAmount(field("amount"))
		if err != nil || amount <= 0 {
			tally.Skipped++
			metrics.ImportRowsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		res, err := s.ledger.Ingest(ctx, ledger.IngestCommand{
			ExternalTxnID: txnID,
			Kind:          repository.DonationKindMoney,
			Amount:        amount,
			Memo:          strings.TrimSpace(field("memo")),
			PaidAt:        parseDate(field("date")),
			Source:        repository.DonationSourceImport,
		})
		if err != nil {
			s.logger.Warn("import row rejected", zap.String("txn_id", txnID), zap.Error(err))
			tally.Skipped++
			metrics.ImportRowsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		switch res.Outcome {
		case ledger.OutcomeInserted:
			tally.Inserted++
			metrics.ImportRowsTotal.WithLabelValues("inserted").Inc()
		case ledger.OutcomeAdvanced:
			tally.Updated++
			metrics.ImportRowsTotal.WithLabelValues("updated").Inc()
		default:
			tally.Updated++
			metrics.ImportRowsTotal.WithLabelValues("replay").Inc()
		}
		if res.Event.CampaignID != nil {
			tally.Matched++
		}
	}

	s.logger.Info("statement import finished",
		zap.Int("scanned", tally.Scanned),
		zap.Int("inserted", tally.Inserted),
		zap.Int("updated", tally.Updated),
		zap.Int("matched", tally.Matched),
		zap.Int("skipped", tally.Skipped))
	return tally, nil
}
