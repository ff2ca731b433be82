package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sharemeal/backend/internal/cache"
	"github.com/sharemeal/backend/internal/fulfillment"
	"github.com/sharemeal/backend/internal/gateway"
	"github.com/sharemeal/backend/internal/importer"
	"github.com/sharemeal/backend/internal/ledger"
	"github.com/sharemeal/backend/internal/repository"
)

// Authenticator resolves basic-auth credentials into a user row.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*repository.User, error)
}

type Server struct {
	ledger      *ledger.Service
	fulfillment *fulfillment.Service
	importer    *importer.Service
	gateway     *gateway.Client
	overview    *cache.Overview
	users       Authenticator
	logger      *zap.Logger

	server       *http.Server
	AuditManager *AuditManager
}

func New(
	ledgerSvc *ledger.Service,
	fulfillmentSvc *fulfillment.Service,
	importerSvc *importer.Service,
	gatewayClient *gateway.Client,
	overview *cache.Overview,
	users Authenticator,
	logger *zap.Logger,
) *Server {
	return &Server{
		ledger:       ledgerSvc,
		fulfillment:  fulfillmentSvc,
		importer:     importerSvc,
		gateway:      gatewayClient,
		overview:     overview,
		users:        users,
		logger:       logger,
		AuditManager: NewAuditManager(2, 5, 500*time.Millisecond, logger),
	}
}

func (s *Server) Run(ctx context.Context, port string) error {
	s.server = &http.Server{
		Addr:         ":" + port,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.AuditManager.Start(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("server starting", zap.String("port", port))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.AuditManager.Shutdown(ctx)
	s.logger.Info("server stopped")
	return nil
}

// Routes builds the full handler tree. The IPN endpoint and metrics stay
// outside basic auth: the gateway authenticates by signature, prometheus
// scrapes anonymously.
func (s *Server) Routes() http.Handler {
	router := mux.NewRouter()

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/payments/ipn", s.handlePaymentIPN).Methods(http.MethodPost)

	api := router.NewRoute().Subrouter()
	api.Use(s.basicAuthMiddleware)

	api.HandleFunc("/payments", s.handleCreatePayment).Methods(http.MethodPost)
	api.HandleFunc("/imports/statements", s.handleImportStatement).Methods(http.MethodPost)

	api.HandleFunc("/overview", s.handleOverview).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{id:[0-9]+}/totals", s.handleCampaignTotals).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{id:[0-9]+}/recompute", s.handleCampaignRecompute).Methods(http.MethodPost)

	api.HandleFunc("/bookings", s.handleCreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id:[0-9]+}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id:[0-9]+}/cancel", s.handleCancelBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id:[0-9]+}/status", s.handleUpdateBookingStatus).Methods(http.MethodPut)

	api.HandleFunc("/deliveries", s.handleCreateDelivery).Methods(http.MethodPost)
	api.HandleFunc("/deliveries", s.handleListDeliveries).Methods(http.MethodGet)
	api.HandleFunc("/deliveries/{id:[0-9]+}", s.handleGetDelivery).Methods(http.MethodGet)
	api.HandleFunc("/deliveries/{id:[0-9]+}/claim", s.handleClaimDelivery).Methods(http.MethodPost)
	api.HandleFunc("/deliveries/{id:[0-9]+}/status", s.handleAdvanceDelivery).Methods(http.MethodPut)
	api.HandleFunc("/deliveries/{id:[0-9]+}/otp", s.handleGenerateOTP).Methods(http.MethodPost)
	api.HandleFunc("/deliveries/{id:[0-9]+}/proof", s.handleSubmitProof).Methods(http.MethodPost)
	api.HandleFunc("/deliveries/{id:[0-9]+}/events", s.handleDeliveryEvents).Methods(http.MethodGet)

	return s.auditLogMiddleware(router)
}

type contextKey string

const principalKey contextKey = "principal"

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		user, err := s.users.Authenticate(r.Context(), username, password)
		if err != nil {
			if !errors.Is(err, repository.ErrInvalidCredentials) {
				s.logger.Error("authenticating user", zap.String("username", username), zap.Error(err))
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, fulfillment.Actor{ID: user.ID, Role: user.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principal(r *http.Request) fulfillment.Actor {
	actor, _ := r.Context().Value(principalKey).(fulfillment.Actor)
	return actor
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps domain errors onto HTTP statuses. The OTP
// mismatch gets its own status so clients can distinguish a wrong code from
// a state conflict.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation), errors.Is(err, fulfillment.ErrValidation), errors.Is(err, importer.ErrNoHeader):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fulfillment.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, fulfillment.ErrNotFound), errors.Is(err, repository.ErrObjectNotFound), errors.Is(err, ledger.ErrUnknownOrder):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, fulfillment.ErrConflict), errors.Is(err, fulfillment.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, fulfillment.ErrOTPMismatch):
		respondError(w, http.StatusUnprocessableEntity, "otp mismatch")
	case errors.Is(err, gateway.ErrGateway):
		respondError(w, http.StatusBadGateway, "payment gateway rejected the request")
	default:
		s.logger.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
