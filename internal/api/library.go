package api

import (
	"net/http"

	"github.com/mudflat/studio/control-plane/internal/api/middleware"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/internal/library"
)

func idempotencyHeader(r *http.Request) string {
	return r.Header.Get("x-idempotency-key")
}

func (s *Server) handleLoanCheckout(w http.ResponseWriter, r *http.Request) {
	var req library.CheckoutRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.library.Checkout(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), idempotencyHeader(r), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, result)
}

func (s *Server) handleLoanCheckIn(w http.ResponseWriter, r *http.Request) {
	var req library.LoanActionRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.library.CheckIn(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), idempotencyHeader(r), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, result)
}

func (s *Server) handleLoanMarkLost(w http.ResponseWriter, r *http.Request) {
	var req library.LoanActionRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.library.MarkLost(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), idempotencyHeader(r), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, result)
}

func (s *Server) handleAssessReplacementFee(w http.ResponseWriter, r *http.Request) {
	var req library.AssessFeeRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.library.AssessReplacementFee(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), idempotencyHeader(r), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, result)
}

func (s *Server) handleLoansListMine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BorrowerUID string `json:"borrowerUid"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	loans, err := s.library.ListMine(r.Context(), identity.FromContext(r.Context()), req.BorrowerUID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, map[string]any{"loans": loans})
}

func (s *Server) handleItemOverrideStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID          string `json:"itemId"`
		Status          string `json:"status"`
		AvailableCopies *int   `json:"availableCopies,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	item, err := s.library.OverrideItemStatus(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req.ItemID, req.Status, req.AvailableCopies)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, item)
}
