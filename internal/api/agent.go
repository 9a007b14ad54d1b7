package api

import (
	"net/http"

	"github.com/mudflat/studio/control-plane/internal/agentcommerce"
	"github.com/mudflat/studio/control-plane/internal/api/middleware"
	"github.com/mudflat/studio/control-plane/internal/identity"
)

func (s *Server) handleAgentCatalog(w http.ResponseWriter, r *http.Request) {
	services, err := s.agent.ListCatalog(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, map[string]any{"services": services})
}

func (s *Server) handleAgentQuote(w http.ResponseWriter, r *http.Request) {
	var req agentcommerce.QuoteRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	quote, err := s.agent.Quote(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, quote)
}

func (s *Server) handleAgentReserve(w http.ResponseWriter, r *http.Request) {
	var req agentcommerce.ReserveRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.agent.Reserve(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, result)
}

func (s *Server) handleAgentPay(w http.ResponseWriter, r *http.Request) {
	var req agentcommerce.PayRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.agent.Pay(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, result)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReservationID string `json:"reservationId"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	status, err := s.agent.Status(r.Context(), identity.FromContext(r.Context()), req.ReservationID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, status)
}

func (s *Server) handleAgentOrderGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID string `json:"orderId"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	order, err := s.agent.OrderGet(r.Context(), identity.FromContext(r.Context()), req.OrderID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, order)
}

func (s *Server) handleAgentOrdersList(w http.ResponseWriter, r *http.Request) {
	var req agentcommerce.OrdersListRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	orders, err := s.agent.OrdersList(r.Context(), identity.FromContext(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, map[string]any{"orders": orders})
}

func (s *Server) handleAgentRevenueSummary(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.agent.RevenueSummary(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, map[string]any{"buckets": buckets})
}

func (s *Server) handleAgentCommission(w http.ResponseWriter, r *http.Request) {
	var req agentcommerce.CommissionRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	ar, err := s.agent.CommissionCreate(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, ar)
}

func (s *Server) handleAgentX1CPrint(w http.ResponseWriter, r *http.Request) {
	var req agentcommerce.X1CPrintRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	ar, err := s.agent.X1CPrintCreate(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, ar)
}

func (s *Server) handleAgentRequestGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"requestId"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	ar, err := s.agent.RequestGet(r.Context(), identity.FromContext(r.Context()), req.RequestID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, ar)
}

func (s *Server) handleAgentRequestReview(w http.ResponseWriter, r *http.Request) {
	var req agentcommerce.ReviewRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	ar, err := s.agent.RequestReview(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, ar)
}

func (s *Server) handleAgentTermsGet(w http.ResponseWriter, r *http.Request) {
	status, err := s.agent.TermsGet(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, status)
}

func (s *Server) handleAgentTermsAccept(w http.ResponseWriter, r *http.Request) {
	acc, err := s.agent.TermsAccept(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, acc)
}

func (s *Server) handleAgentAccountGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentClientID string `json:"agentClientId"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	account, err := s.agent.AccountGet(r.Context(), identity.FromContext(r.Context()), req.AgentClientID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, account)
}

func (s *Server) handleAgentAccountUpdate(w http.ResponseWriter, r *http.Request) {
	var req agentcommerce.AccountUpdateRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	account, err := s.agent.AccountUpdate(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, account)
}
