// Package api is the transport layer: the POST route whitelist, the uniform
// response envelope, and the middleware chain (request id, logging,
// telemetry, identity, rate guard, terms gate).
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mudflat/studio/control-plane/internal/agentcommerce"
	"github.com/mudflat/studio/control-plane/internal/api/middleware"
	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/config"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/internal/library"
	"github.com/mudflat/studio/control-plane/internal/rateguard"
	"github.com/mudflat/studio/control-plane/internal/reservations"
)

// Server wires the engines behind the route whitelist.
type Server struct {
	cfg          *config.Config
	reservations *reservations.Engine
	agent        *agentcommerce.Engine
	library      *library.Engine
	guard        *rateguard.Guard
	health       func(ctx context.Context) error
}

// NewServer creates the transport server. health is the store ping used by
// the ops endpoint.
func NewServer(cfg *config.Config, res *reservations.Engine, agent *agentcommerce.Engine, lib *library.Engine, guard *rateguard.Guard, health func(ctx context.Context) error) *Server {
	return &Server{
		cfg:          cfg,
		reservations: res,
		agent:        agent,
		library:      lib,
		guard:        guard,
		health:       health,
	}
}

// route is one whitelist entry. Every route is POST-only; scope is checked
// for PAT/delegated actors, staffOnly short-circuits before the handler,
// and non-exempt agent routes pass the terms gate.
type route struct {
	path        string
	scope       string
	staffOnly   bool
	termsGated  bool
	termsExempt bool
	handler     http.HandlerFunc
}

func (s *Server) routes() []route {
	return []route{
		// Reservation engine.
		{path: "/v1/reservations.create", scope: "reservations:write", handler: s.handleReservationCreate},
		{path: "/v1/reservations.get", scope: "reservations:read", handler: s.handleReservationGet},
		{path: "/v1/reservations.list", scope: "reservations:read", handler: s.handleReservationList},
		{path: "/v1/reservations.checkIn", scope: "reservations:write", handler: s.handleReservationCheckIn},
		{path: "/v1/reservations.lookupArrival", scope: "reservations:read", handler: s.handleLookupArrival},
		{path: "/v1/reservations.rotateArrivalToken", scope: "reservations:write", staffOnly: true, handler: s.handleRotateArrivalToken},
		{path: "/v1/reservations.pickupWindow", scope: "reservations:write", handler: s.handlePickupWindow},
		{path: "/v1/reservations.queueFairness", scope: "reservations:write", staffOnly: true, handler: s.handleQueueFairness},
		{path: "/v1/reservations.update", scope: "reservations:write", handler: s.handleReservationUpdate},
		{path: "/v1/reservations.assignStation", scope: "reservations:write", handler: s.handleAssignStation},
		{path: "/v1/reservations.exportContinuity", scope: "reservations:read", handler: s.handleExportContinuity},

		// Agent commerce.
		{path: "/v1/agent.catalog", scope: "agent:commerce", termsGated: true, termsExempt: true, handler: s.handleAgentCatalog},
		{path: "/v1/agent.quote", scope: "agent:commerce", termsGated: true, handler: s.handleAgentQuote},
		{path: "/v1/agent.reserve", scope: "agent:commerce", termsGated: true, handler: s.handleAgentReserve},
		{path: "/v1/agent.pay", scope: "agent:commerce", termsGated: true, handler: s.handleAgentPay},
		{path: "/v1/agent.status", scope: "agent:commerce", termsGated: true, handler: s.handleAgentStatus},
		{path: "/v1/agent.order.get", scope: "agent:commerce", termsGated: true, handler: s.handleAgentOrderGet},
		{path: "/v1/agent.orders.list", scope: "agent:commerce", termsGated: true, handler: s.handleAgentOrdersList},
		{path: "/v1/agent.revenue.summary", scope: "agent:commerce", staffOnly: true, handler: s.handleAgentRevenueSummary},
		{path: "/v1/agent.requests.commission", scope: "agent:commerce", termsGated: true, handler: s.handleAgentCommission},
		{path: "/v1/agent.requests.x1cPrint", scope: "agent:commerce", termsGated: true, handler: s.handleAgentX1CPrint},
		{path: "/v1/agent.requests.get", scope: "agent:commerce", termsGated: true, handler: s.handleAgentRequestGet},
		{path: "/v1/agent.requests.review", scope: "agent:commerce", staffOnly: true, handler: s.handleAgentRequestReview},
		{path: "/v1/agent.terms.get", scope: "agent:commerce", termsGated: true, termsExempt: true, handler: s.handleAgentTermsGet},
		{path: "/v1/agent.terms.accept", scope: "agent:commerce", termsGated: true, termsExempt: true, handler: s.handleAgentTermsAccept},
		{path: "/v1/agent.account.get", scope: "agent:commerce", termsGated: true, handler: s.handleAgentAccountGet},
		{path: "/v1/agent.account.update", scope: "agent:commerce", staffOnly: true, handler: s.handleAgentAccountUpdate},

		// Library.
		{path: "/v1/library.loans.checkout", scope: "library:write", handler: s.handleLoanCheckout},
		{path: "/v1/library.loans.checkIn", scope: "library:write", handler: s.handleLoanCheckIn},
		{path: "/v1/library.loans.markLost", scope: "library:write", staffOnly: true, handler: s.handleLoanMarkLost},
		{path: "/v1/library.loans.assessReplacementFee", scope: "library:write", staffOnly: true, handler: s.handleAssessReplacementFee},
		{path: "/v1/library.loans.listMine", scope: "library:read", handler: s.handleLoansListMine},
		{path: "/v1/library.items.overrideStatus", scope: "library:write", staffOnly: true, handler: s.handleItemOverrideStatus},
	}
}

// NewRouter builds the HTTP handler.
func (s *Server) NewRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(middleware.Identity)

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Group(func(r chi.Router) {
		r.Use(middleware.WithRouteFamily("v1"))
		for _, rt := range s.routes() {
			r.Post(rt.path, s.wrap(rt))
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, apperr.NotFound("ROUTE_NOT_FOUND", "unknown route %s", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, &apperr.Error{
			Code:       "METHOD_NOT_ALLOWED",
			HTTPStatus: http.StatusMethodNotAllowed,
			Message:    "all API routes are POST-only",
		})
	})

	return r
}

// wrap applies the per-route policy chain: scope, rate guard, terms gate.
func (s *Server) wrap(rt route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := identity.FromContext(r.Context())
		if actor.UID == "" {
			respondError(w, r, apperr.Unauthenticated("UNAUTHENTICATED", "no verified identity"))
			return
		}
		if rt.staffOnly && !actor.Staff {
			respondError(w, r, apperr.Forbidden("STAFF_ONLY", "route is staff-only"))
			return
		}
		if rt.scope != "" && !actor.HasScopes(rt.scope) {
			respondError(w, r, apperr.Forbidden("SCOPE_MISSING", "missing scope %s", rt.scope).
				WithDetail("requiredScope", rt.scope))
			return
		}
		if err := s.guard.Check(r.Context(), rt.path, actor.UID, actor.Mode, actor.AgentClientID); err != nil {
			respondError(w, r, err)
			return
		}
		if rt.termsGated && !rt.termsExempt {
			if err := s.agent.RequireTerms(r.Context(), actor); err != nil {
				respondError(w, r, err)
				return
			}
		}
		rt.handler(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			respondError(w, r, apperr.Unavailable("STORE_UNREACHABLE", "document store is unreachable"))
			return
		}
	}
	respondData(w, r, map[string]string{"status": "healthy", "service": "studio-control-plane"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondData(w, r, map[string]string{
		"version": s.cfg.Version,
		"service": "studio-control-plane",
	})
}
