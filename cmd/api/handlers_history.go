package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ledgerflow/agreement"
	"ledgerflow/audit"
)

type paymentResponse struct {
	AgreementID string         `json:"agreement_id"`
	Kind        agreement.Kind `json:"kind"`
	Payer       string         `json:"payer"`
	Target      string         `json:"target"`
	Asset       string         `json:"asset"`
	Amount      amountView     `json:"amount"`
	At          string         `json:"at"`
}

type paymentsResponse struct {
	Payments []paymentResponse `json:"payments"`
	Total    int               `json:"total"`
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", agreement.ErrInvalidData, name)
	}
	return n, nil
}

// handlePayments pages through recorded payments filtered by agreement_id,
// payer and target query parameters.
func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "payment history is not recorded", "")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	page, err := s.history.Payments(r.Context(), audit.PaymentQuery{
		AgreementID: q.Get("agreement_id"),
		Payer:       q.Get("payer"),
		Target:      q.Get("target"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := paymentsResponse{Payments: make([]paymentResponse, 0, len(page.Payments)), Total: page.Total}
	for _, f := range page.Payments {
		out.Payments = append(out.Payments, paymentResponse{
			AgreementID: f.AgreementID,
			Kind:        f.Kind,
			Payer:       f.Payer,
			Target:      f.Target,
			Asset:       f.Asset,
			Amount:      s.amount(f.Asset, f.Amount),
			At:          f.At.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
