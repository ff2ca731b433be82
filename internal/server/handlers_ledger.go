package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sharemeal/backend/internal/gateway"
	"github.com/sharemeal/backend/internal/ledger"
	"github.com/sharemeal/backend/internal/metrics"
	"github.com/sharemeal/backend/internal/repository"
)

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var paymentRequest struct {
		Amount     int64  `json:"amount"`
		CampaignID *int64 `json:"campaign_id"`
		Memo       string `json:"memo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&paymentRequest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if paymentRequest.Amount <= 0 {
		respondError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	actor := principal(r)
	orderRef := uuid.NewString()
	extra := gateway.ExtraData{
		CampaignID: paymentRequest.CampaignID,
		DonorID:    actor.ID,
		Memo:       paymentRequest.Memo,
	}

	// The gateway call comes first: a session the gateway never accepted
	// must leave no ledger row behind.
	result, err := s.gateway.CreatePayment(r.Context(), orderRef, uuid.NewString(),
		"ShareMeal donation", paymentRequest.Amount, extra)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	event, err := s.ledger.CreatePending(r.Context(), ledger.IngestCommand{
		OrderRef:   orderRef,
		CampaignID: paymentRequest.CampaignID,
		Kind:       repository.DonationKindMoney,
		Amount:     paymentRequest.Amount,
		Memo:       paymentRequest.Memo,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"order_ref":   orderRef,
		"event_id":    event.ID,
		"pay_url":     result.PayURL,
		"qr_code_url": result.QRCodeURL,
		"deeplink":    result.Deeplink,
	})
}

// handlePaymentIPN always acknowledges. The gateway retries non-2xx
// responses forever, and the ledger is idempotent anyway; the only thing a
// negative ack buys is duplicate traffic.
func (s *Server) handlePaymentIPN(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusNoContent)

	var payload gateway.IPNPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		metrics.CallbackRejectedTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn("malformed IPN payload", zap.Error(err))
		return
	}

	if err := s.gateway.VerifyCallback(payload); err != nil {
		metrics.CallbackRejectedTotal.WithLabelValues("signature").Inc()
		return
	}

	if payload.ResultCode != 0 {
		if err := s.ledger.FailOrder(r.Context(), payload.OrderID); err != nil {
			metrics.CallbackRejectedTotal.WithLabelValues("unknown_order").Inc()
			s.logger.Warn("failing order from IPN", zap.String("order_id", payload.OrderID), zap.Error(err))
		}
		return
	}

	var paidAt *time.Time
	if payload.ResponseTime > 0 {
		t := time.UnixMilli(payload.ResponseTime).UTC()
		paidAt = &t
	}
	if _, err := s.ledger.ConfirmOrder(r.Context(), payload.OrderID, payload.TransID, payload.Amount, paidAt); err != nil {
		metrics.CallbackRejectedTotal.WithLabelValues("unknown_order").Inc()
		s.logger.Warn("confirming order from IPN", zap.String("order_id", payload.OrderID), zap.Error(err))
	}
}

func (s *Server) handleImportStatement(w http.ResponseWriter, r *http.Request) {
	if principal(r).Role != repository.RoleAdmin {
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	tally, err := s.importer.Import(r.Context(), r.Body)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tally)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	totals, err := s.overview.Get(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, totals)
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (s *Server) handleCampaignTotals(w http.ResponseWriter, r *http.Request) {
	agg, err := s.ledger.Totals(r.Context(), pathID(r))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agg)
}

func (s *Server) handleCampaignRecompute(w http.ResponseWriter, r *http.Request) {
	if principal(r).Role != repository.RoleAdmin {
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	agg, err := s.ledger.Recompute(r.Context(), pathID(r))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.overview.Invalidate()
	respondJSON(w, http.StatusOK, agg)
}
