package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"ledgerflow/auth"
	"ledgerflow/batch"
	"ledgerflow/disbursement"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Role == auth.RoleOperator {
		writeError(w, http.StatusForbidden, "operators are provisioned out of band", "")
		return
	}
	p, err := s.auth.Register(r.Context(), req)
	switch {
	case errors.Is(err, auth.ErrDuplicatePrincipal):
		writeError(w, http.StatusConflict, err.Error(), "")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": p.ID, "role": p.Role})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error(), "")
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": res.Token, "id": res.Principal.ID, "role": res.Principal.Role})
}

// handleGrant lets another principal act for the caller's account.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Principal string `json:"principal"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.auth.Grant(r.Context(), req.Principal, callerFrom(r)); err != nil {
		if errors.Is(err, auth.ErrPrincipalNotFound) {
			writeError(w, http.StatusNotFound, err.Error(), "")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.engine.Settings(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string `json:"owner"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.Initialize(r.Context(), callerFrom(r), req.Owner); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string `json:"owner"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.TransferOwnership(r.Context(), callerFrom(r), req.Owner); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLedgerPause(w http.ResponseWriter, r *http.Request) {
	paused := mux.Vars(r)["state"] == "pause"
	if err := s.engine.SetPaused(r.Context(), callerFrom(r), paused); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	units, err := s.engine.Balance(r.Context(), vars["payer"], vars["asset"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payer": vars["payer"], "asset": vars["asset"], "balance": s.amount(vars["asset"], units)})
}

func (s *Server) handleBalanceMove(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		Amount int64 `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	move := s.engine.Deposit
	if vars["op"] == "withdraw" {
		move = s.engine.Withdraw
	}
	units, err := move(r.Context(), callerFrom(r), vars["payer"], vars["asset"], req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payer": vars["payer"], "asset": vars["asset"], "balance": s.amount(vars["asset"], units)})
}

type payrollResponse struct {
	ID              string     `json:"id"`
	Payer           string     `json:"payer"`
	Target          string     `json:"target"`
	Asset           string     `json:"asset"`
	Amount          amountView `json:"amount"`
	IntervalSeconds int64      `json:"interval_seconds"`
	LastPaymentAt   string     `json:"last_payment_at"`
	NextPayoutAt    string     `json:"next_payout_at"`
	Paused          bool       `json:"paused"`
}

func (s *Server) handlePayroll(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.engine.Payroll(r.Context(), vars["payer"], vars["target"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.payrollView(p.ID, p.Payer, p.Target, p.Asset, p.Amount, p.Interval, p.LastPaymentAt, p.NextPayoutAt, p.Paused))
}

func (s *Server) payrollView(id, payer, target, asset string, amount int64, interval time.Duration, last, next time.Time, paused bool) payrollResponse {
	return payrollResponse{
		ID:              id,
		Payer:           payer,
		Target:          target,
		Asset:           asset,
		Amount:          s.amount(asset, amount),
		IntervalSeconds: int64(interval / time.Second),
		LastPaymentAt:   last.Format(time.RFC3339),
		NextPayoutAt:    next.Format(time.RFC3339),
		Paused:          paused,
	}
}

func (s *Server) handleSavePayroll(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		Asset           string `json:"asset"`
		Amount          int64  `json:"amount"`
		IntervalSeconds int64  `json:"interval_seconds"`
	}
	if !decode(w, r, &req) {
		return
	}
	interval, err := seconds("interval_seconds", req.IntervalSeconds)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.engine.CreateOrUpdatePayroll(r.Context(), callerFrom(r), disbursement.PayrollRequest{
		Payer:    vars["payer"],
		Target:   vars["target"],
		Asset:    req.Asset,
		Amount:   req.Amount,
		Interval: interval,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.payrollView(p.ID, p.Payer, p.Target, p.Asset, p.Amount, p.Interval, p.LastPaymentAt, p.NextPayoutAt, p.Paused))
}

func (s *Server) handleRemovePayroll(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.engine.RemovePayroll(r.Context(), callerFrom(r), vars["payer"], vars["target"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePayrollPause(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	toggle := s.engine.ResumePayroll
	if vars["state"] == "pause" {
		toggle = s.engine.PausePayroll
	}
	if err := toggle(r.Context(), callerFrom(r), vars["payer"], vars["target"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type payoutResponse struct {
	AgreementID  string     `json:"agreement_id"`
	Kind         string     `json:"kind"`
	Target       string     `json:"target"`
	Asset        string     `json:"asset"`
	Amount       amountView `json:"amount"`
	Periods      uint32     `json:"periods,omitempty"`
	MilestoneID  uint32     `json:"milestone_id,omitempty"`
	Completed    bool       `json:"completed,omitempty"`
	NextPayoutAt string     `json:"next_payout_at,omitempty"`
}

func (s *Server) payoutView(p disbursement.Payout) payoutResponse {
	out := payoutResponse{
		AgreementID: p.AgreementID,
		Kind:        string(p.Kind),
		Target:      p.Target,
		Asset:       p.Asset,
		Amount:      s.amount(p.Asset, p.Amount),
		Periods:     p.Periods,
		MilestoneID: p.MilestoneID,
		Completed:   p.Completed,
	}
	if p.NextPayoutAt != nil {
		out.NextPayoutAt = p.NextPayoutAt.Format(time.RFC3339)
	}
	return out
}

func (s *Server) handleDisburse(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.engine.Disburse(r.Context(), callerFrom(r), vars["payer"], vars["target"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.payoutView(p))
}

type batchItemResponse struct {
	ID     string          `json:"id"`
	Payout *payoutResponse `json:"payout,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   string          `json:"kind,omitempty"`
}

type batchResponse struct {
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Total     int64               `json:"total_units"`
	Items     []batchItemResponse `json:"items"`
}

func (s *Server) batchView(res batch.Result) batchResponse {
	out := batchResponse{Succeeded: res.Succeeded, Failed: res.Failed, Total: res.TotalAmount, Items: make([]batchItemResponse, 0, len(res.Items))}
	for _, item := range res.Items {
		view := batchItemResponse{ID: item.ID, Kind: item.Kind}
		if item.Err != nil {
			view.Error = item.Err.Error()
		}
		if item.Err == nil || item.Payout.Amount > 0 {
			p := s.payoutView(item.Payout)
			view.Payout = &p
		}
		out.Items = append(out.Items, view)
	}
	return out
}

func (s *Server) handleBatchDisburse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Targets []string `json:"targets"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.batches.BatchDisburse(r.Context(), callerFrom(r), mux.Vars(r)["payer"], req.Targets)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.batchView(res))
}

func (s *Server) writeList(w http.ResponseWriter, r *http.Request, items []string, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleTargetsByPayer(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.TargetsByPayer(r.Context(), mux.Vars(r)["payer"])
	s.writeList(w, r, items, err)
}

func (s *Server) handleAgreementsByPayer(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.AgreementsByPayer(r.Context(), mux.Vars(r)["payer"])
	s.writeList(w, r, items, err)
}

func (s *Server) handleTargetsByAsset(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.TargetsByAsset(r.Context(), mux.Vars(r)["asset"])
	s.writeList(w, r, items, err)
}

func (s *Server) handleVerifyIndex(w http.ResponseWriter, r *http.Request) {
	mismatches, err := s.engine.VerifyIndex(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]string, 0, len(mismatches))
	for _, m := range mismatches {
		items = append(items, m.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"consistent": len(items) == 0, "mismatches": items})
}

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	changed, err := s.engine.RebuildIndex(r.Context(), callerFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}

// handleMint credits an external sandbox account.
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		Amount int64 `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive", "InvalidData")
		return
	}
	s.book.Fund(vars["account"], vars["asset"], req.Amount)
	s.handleExternalBalance(w, r)
}

func (s *Server) handleExternalBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	units := s.book.BalanceOf(vars["account"], vars["asset"])
	writeJSON(w, http.StatusOK, map[string]any{"account": vars["account"], "asset": vars["asset"], "balance": s.amount(vars["asset"], units)})
}
