package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"ledgerflow/agreement"
	"ledgerflow/disbursement"
	"ledgerflow/eligibility"
)

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

// seconds converts a whole-second count from a request body to a duration.
func seconds(field string, n int64) (time.Duration, error) {
	if n > math.MaxInt64/int64(time.Second) {
		return 0, fmt.Errorf("%w: %s is too large", agreement.ErrInvalidData, field)
	}
	return time.Duration(n) * time.Second, nil
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	held, err := s.engine.FundAgreement(r.Context(), callerFrom(r), id, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agreement_id": id, "escrow_units": held})
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	held, err := s.engine.EscrowBalance(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agreement_id": id, "escrow_units": held})
}

type timeBasedResponse struct {
	ID              string     `json:"id"`
	Payer           string     `json:"payer"`
	Target          string     `json:"target"`
	Asset           string     `json:"asset"`
	Status          string     `json:"status"`
	AmountPerPeriod amountView `json:"amount_per_period"`
	PeriodSeconds   int64      `json:"period_seconds"`
	TotalPeriods    uint32     `json:"total_periods"`
	ClaimedPeriods  uint32     `json:"claimed_periods"`
	Paid            amountView `json:"paid"`
	Total           amountView `json:"total"`
	ActivatedAt     string     `json:"activated_at,omitempty"`
	CancelledAt     string     `json:"cancelled_at,omitempty"`
	GraceEndsAt     string     `json:"grace_ends_at,omitempty"`
	Finalized       bool       `json:"finalized"`
}

func (s *Server) timeBasedView(a agreement.TimeBasedAgreement) timeBasedResponse {
	return timeBasedResponse{
		ID:              a.ID,
		Payer:           a.Payer,
		Target:          a.Target,
		Asset:           a.Asset,
		Status:          string(a.Status),
		AmountPerPeriod: s.amount(a.Asset, a.AmountPerPeriod),
		PeriodSeconds:   int64(a.Period / time.Second),
		TotalPeriods:    a.TotalPeriods,
		ClaimedPeriods:  a.ClaimedPeriods,
		Paid:            s.amount(a.Asset, a.PaidAmount),
		Total:           s.amount(a.Asset, a.TotalAmount),
		ActivatedAt:     formatTime(a.ActivatedAt),
		CancelledAt:     formatTime(a.CancelledAt),
		GraceEndsAt:     formatTime(a.GraceEndsAt),
		Finalized:       a.Finalized,
	}
}

func (s *Server) handleCreateTimeBased(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payer           string `json:"payer"`
		Target          string `json:"target"`
		Asset           string `json:"asset"`
		AmountPerPeriod int64  `json:"amount_per_period"`
		PeriodSeconds   int64  `json:"period_seconds"`
		TotalPeriods    uint32 `json:"total_periods"`
	}
	if !decode(w, r, &req) {
		return
	}
	period, err := seconds("period_seconds", req.PeriodSeconds)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.engine.CreateTimeBased(r.Context(), callerFrom(r), disbursement.TimeBasedRequest{
		Payer:           req.Payer,
		Target:          req.Target,
		Asset:           req.Asset,
		AmountPerPeriod: req.AmountPerPeriod,
		Period:          period,
		TotalPeriods:    req.TotalPeriods,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.timeBasedView(a))
}

func (s *Server) handleTimeBased(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, err := s.engine.TimeBased(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	periods, units, err := s.engine.Claimable(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	inGrace, err := s.engine.IsGracePeriodActive(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agreement":         s.timeBasedView(a),
		"claimable_periods": periods,
		"claimable":         s.amount(a.Asset, units),
		"in_grace_period":   inGrace,
	})
}

func (s *Server) handleTimeBasedTransition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	transitions := map[string]func(context.Context, string, string) (agreement.TimeBasedAgreement, error){
		"activate": s.engine.Activate,
		"pause":    s.engine.Pause,
		"resume":   s.engine.Resume,
		"cancel":   s.engine.Cancel,
	}
	transition, ok := transitions[vars["action"]]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown action", "")
		return
	}
	a, err := transition(r.Context(), callerFrom(r), vars["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.timeBasedView(a))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Claim(r.Context(), callerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.payoutView(p))
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	refunded, err := s.engine.FinalizeGracePeriod(r.Context(), callerFrom(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agreement_id": id, "refunded_units": refunded})
}

func (s *Server) handleBatchClaimTimeBased(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.batches.BatchClaimTimeBased(r.Context(), callerFrom(r), req.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.batchView(res))
}

type milestoneResponse struct {
	ID       uint32     `json:"id"`
	Amount   amountView `json:"amount"`
	Approved bool       `json:"approved"`
	Claimed  bool       `json:"claimed"`
}

func (s *Server) milestoneAgreementView(a agreement.MilestoneAgreement) map[string]any {
	milestones := make([]milestoneResponse, 0, len(a.Milestones))
	for _, m := range a.Milestones {
		milestones = append(milestones, milestoneResponse{ID: m.ID, Amount: s.amount(a.Asset, m.Amount), Approved: m.Approved, Claimed: m.Claimed})
	}
	return map[string]any{
		"id":         a.ID,
		"payer":      a.Payer,
		"target":     a.Target,
		"asset":      a.Asset,
		"status":     a.Status,
		"paid":       s.amount(a.Asset, a.PaidAmount),
		"total":      s.amount(a.Asset, a.TotalAmount()),
		"milestones": milestones,
		"claimable":  eligibility.ClaimableMilestones(a),
	}
}

func (s *Server) handleCreateMilestoneAgreement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payer  string `json:"payer"`
		Target string `json:"target"`
		Asset  string `json:"asset"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := s.engine.CreateMilestoneAgreement(r.Context(), callerFrom(r), req.Payer, req.Target, req.Asset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.milestoneAgreementView(a))
}

func (s *Server) handleMilestoneAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.MilestoneAgreement(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.milestoneAgreementView(a))
}

func (s *Server) handleAddMilestone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	m, err := s.engine.AddMilestone(r.Context(), callerFrom(r), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": m.ID, "amount_units": m.Amount})
}

func milestoneNumber(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	n, err := strconv.ParseUint(mux.Vars(r)["n"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid milestone id", "IdOutOfBounds")
		return 0, false
	}
	return uint32(n), true
}

func (s *Server) handleApproveMilestone(w http.ResponseWriter, r *http.Request) {
	n, ok := milestoneNumber(w, r)
	if !ok {
		return
	}
	if err := s.engine.ApproveMilestone(r.Context(), callerFrom(r), mux.Vars(r)["id"], n); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClaimMilestone(w http.ResponseWriter, r *http.Request) {
	n, ok := milestoneNumber(w, r)
	if !ok {
		return
	}
	p, err := s.engine.ClaimMilestone(r.Context(), callerFrom(r), mux.Vars(r)["id"], n)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.payoutView(p))
}

func (s *Server) handleBatchClaimMilestones(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MilestoneIDs []uint32 `json:"milestone_ids"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.batches.BatchClaimMilestones(r.Context(), callerFrom(r), mux.Vars(r)["id"], req.MilestoneIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.batchView(res))
}
