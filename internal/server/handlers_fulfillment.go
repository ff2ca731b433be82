package server

import (
	"encoding/json"
	"net/http"

	"github.com/sharemeal/backend/internal/fulfillment"
	"github.com/sharemeal/backend/internal/repository"
)

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var bookingRequest struct {
		ItemRef        string  `json:"item_ref"`
		Quantity       int64   `json:"quantity"`
		Method         string  `json:"method"`
		PickupLocation *string `json:"pickup_location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&bookingRequest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	booking, err := s.fulfillment.CreateBooking(r.Context(), principal(r), fulfillment.CreateBookingCommand{
		ItemRef:        bookingRequest.ItemRef,
		Quantity:       bookingRequest.Quantity,
		Method:         repository.BookingMethod(bookingRequest.Method),
		PickupLocation: bookingRequest.PickupLocation,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, booking)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := s.fulfillment.GetBooking(r.Context(), principal(r), pathID(r))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, booking)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	if err := s.fulfillment.CancelBooking(r.Context(), principal(r), pathID(r)); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "booking cancelled"})
}

func (s *Server) handleUpdateBookingStatus(w http.ResponseWriter, r *http.Request) {
	var statusRequest struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&statusRequest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.fulfillment.UpdateBookingStatus(r.Context(), principal(r), pathID(r),
		repository.BookingStatus(statusRequest.Status))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "booking status updated"})
}

func (s *Server) handleCreateDelivery(w http.ResponseWriter, r *http.Request) {
	var deliveryRequest struct {
		BookingID int64           `json:"booking_id"`
		RouteInfo json.RawMessage `json:"route_info"`
	}
	if err := json.NewDecoder(r.Body).Decode(&deliveryRequest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	delivery, err := s.fulfillment.CreateDelivery(r.Context(), principal(r),
		deliveryRequest.BookingID, deliveryRequest.RouteInfo)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, delivery)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	available := r.URL.Query().Get("available") == "true"
	deliveries, err := s.fulfillment.ListDeliveries(r.Context(), principal(r), available)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, deliveries)
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	delivery, err := s.fulfillment.GetDelivery(r.Context(), principal(r), pathID(r))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, delivery)
}

func (s *Server) handleClaimDelivery(w http.ResponseWriter, r *http.Request) {
	delivery, err := s.fulfillment.Claim(r.Context(), principal(r), pathID(r))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, delivery)
}

func (s *Server) handleAdvanceDelivery(w http.ResponseWriter, r *http.Request) {
	var advanceRequest struct {
		Status string `json:"status"`
		OTP    string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&advanceRequest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.fulfillment.AdvanceDelivery(r.Context(), principal(r), pathID(r),
		repository.DeliveryStatus(advanceRequest.Status), advanceRequest.OTP)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "delivery status updated"})
}

func (s *Server) handleGenerateOTP(w http.ResponseWriter, r *http.Request) {
	code, err := s.fulfillment.GenerateOTP(r.Context(), principal(r), pathID(r))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"otp": code})
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	var proofRequest struct {
		Images []string `json:"images"`
		Note   string   `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&proofRequest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.fulfillment.SubmitProof(r.Context(), principal(r), pathID(r),
		proofRequest.Images, proofRequest.Note)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "proof stored"})
}

func (s *Server) handleDeliveryEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.fulfillment.Events(r.Context(), principal(r), pathID(r))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}
