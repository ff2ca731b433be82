package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DonationsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharemeal_donations_ingested_total",
		Help: "Ledger rows that contributed new totals, by source.",
	},
		[]string{"source"},
	)

	DonationReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharemeal_donation_replays_total",
		Help: "Ingestions that hit an already terminal ledger row.",
	})

	CallbackRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharemeal_callback_rejected_total",
		Help: "Gateway callbacks rejected before mutating the ledger.",
	},
		[]string{"reason"},
	)

	ImportRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharemeal_import_rows_total",
		Help: "Statement import rows by outcome.",
	},
		[]string{"outcome"},
	)

	DeliveriesClaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharemeal_deliveries_claimed_total",
		Help: "Successful exclusive delivery claims.",
	})

	ClaimConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharemeal_claim_conflicts_total",
		Help: "Claims rejected because another shipper already holds the delivery.",
	})

	DeliveriesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharemeal_deliveries_completed_total",
		Help: "Deliveries completed with a matching OTP.",
	})

	OtpMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharemeal_otp_mismatch_total",
		Help: "Delivery completions rejected on OTP mismatch.",
	})

	OperationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharemeal_operation_errors_total",
		Help: "Total number of errors encountered during specific operations.",
	},
		[]string{"operation"},
	)

	OverviewRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharemeal_overview_rebuilds_total",
		Help: "Times the overview totals cache was regenerated.",
	})
)
