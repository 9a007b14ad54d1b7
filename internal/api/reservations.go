package api

import (
	"net/http"

	"github.com/mudflat/studio/control-plane/internal/api/middleware"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/internal/reservations"
)

func (s *Server) handleReservationCreate(w http.ResponseWriter, r *http.Request) {
	var req reservations.CreateRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	actor := identity.FromContext(r.Context())
	result, err := s.reservations.Create(r.Context(), actor, middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, result)
}

func (s *Server) handleReservationGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReservationID string `json:"reservationId"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.reservations.Get(r.Context(), identity.FromContext(r.Context()), req.ReservationID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, res)
}

func (s *Server) handleReservationList(w http.ResponseWriter, r *http.Request) {
	var req reservations.ListRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	rows, err := s.reservations.List(r.Context(), identity.FromContext(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, map[string]any{"reservations": rows})
}

func (s *Server) handleReservationCheckIn(w http.ResponseWriter, r *http.Request) {
	var req reservations.CheckInRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.reservations.CheckIn(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, result)
}

func (s *Server) handleLookupArrival(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArrivalToken string `json:"arrivalToken"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.reservations.LookupArrival(r.Context(), req.ArrivalToken)
	if err != nil {
		respondError(w, r, err)
		return
	}
	actor := identity.FromContext(r.Context())
	if aerr := actor.Authorize(res.OwnerUID, "reservations:read", "reservation", true); aerr != nil {
		respondError(w, r, aerr)
		return
	}
	respondData(w, r, res)
}

func (s *Server) handleRotateArrivalToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReservationID string `json:"reservationId"`
	}
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.reservations.RotateArrivalToken(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req.ReservationID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, res)
}

func (s *Server) handlePickupWindow(w http.ResponseWriter, r *http.Request) {
	var req reservations.PickupRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.reservations.PickupWindow(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, res)
}

func (s *Server) handleQueueFairness(w http.ResponseWriter, r *http.Request) {
	var req reservations.FairnessRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.reservations.QueueFairness(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, res)
}

func (s *Server) handleReservationUpdate(w http.ResponseWriter, r *http.Request) {
	var req reservations.UpdateRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := s.reservations.Update(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, res)
}

func (s *Server) handleAssignStation(w http.ResponseWriter, r *http.Request) {
	var req reservations.AssignRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.reservations.AssignStation(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, result)
}

func (s *Server) handleExportContinuity(w http.ResponseWriter, r *http.Request) {
	var req reservations.ExportRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	bundle, err := s.reservations.ExportContinuity(r.Context(), identity.FromContext(r.Context()),
		middleware.GetRequestID(r.Context()), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, r, bundle)
}
