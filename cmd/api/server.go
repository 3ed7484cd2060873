package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledgerflow/agreement"
	"ledgerflow/audit"
	"ledgerflow/auth"
	"ledgerflow/batch"
	"ledgerflow/disbursement"
	"ledgerflow/transfer"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

// Server exposes the ledger over HTTP.
type Server struct {
	engine  *disbursement.Engine
	batches *batch.Coordinator
	auth    *auth.Service
	book    *transfer.Book
	history audit.History
	assets  map[string]int32
	logger  *zap.Logger
}

func NewServer(engine *disbursement.Engine, batches *batch.Coordinator, authSvc *auth.Service, book *transfer.Book, history audit.History, assets map[string]int32, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:  engine,
		batches: batches,
		auth:    authSvc,
		book:    book,
		history: history,
		assets:  assets,
		logger:  logger.Named("http"),
	}
}

// Router wires every route. Everything under /api except the auth routes
// needs a bearer token.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAuth)

	api.HandleFunc("/auth/grants", s.handleGrant).Methods(http.MethodPost)

	api.HandleFunc("/ledger", s.handleSettings).Methods(http.MethodGet)
	api.HandleFunc("/ledger/initialize", s.handleInitialize).Methods(http.MethodPost)
	api.HandleFunc("/ledger/ownership", s.handleTransferOwnership).Methods(http.MethodPost)
	api.HandleFunc("/ledger/{state:pause|resume}", s.handleLedgerPause).Methods(http.MethodPost)

	api.HandleFunc("/balances/{payer}/{asset}", s.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/balances/{payer}/{asset}/{op:deposit|withdraw}", s.handleBalanceMove).Methods(http.MethodPost)

	api.HandleFunc("/payrolls/{payer}/disburse", s.handleBatchDisburse).Methods(http.MethodPost)
	api.HandleFunc("/payrolls/{payer}/{target}", s.handlePayroll).Methods(http.MethodGet)
	api.HandleFunc("/payrolls/{payer}/{target}", s.handleSavePayroll).Methods(http.MethodPut)
	api.HandleFunc("/payrolls/{payer}/{target}", s.handleRemovePayroll).Methods(http.MethodDelete)
	api.HandleFunc("/payrolls/{payer}/{target}/disburse", s.handleDisburse).Methods(http.MethodPost)
	api.HandleFunc("/payrolls/{payer}/{target}/{state:pause|resume}", s.handlePayrollPause).Methods(http.MethodPost)

	api.HandleFunc("/payers/{payer}/targets", s.handleTargetsByPayer).Methods(http.MethodGet)
	api.HandleFunc("/payers/{payer}/agreements", s.handleAgreementsByPayer).Methods(http.MethodGet)
	api.HandleFunc("/assets/{asset}/targets", s.handleTargetsByAsset).Methods(http.MethodGet)

	api.HandleFunc("/payments", s.handlePayments).Methods(http.MethodGet)

	api.HandleFunc("/agreements/{id}/fund", s.handleFund).Methods(http.MethodPost)
	api.HandleFunc("/agreements/{id}/escrow", s.handleEscrow).Methods(http.MethodGet)

	api.HandleFunc("/time-based", s.handleCreateTimeBased).Methods(http.MethodPost)
	api.HandleFunc("/time-based/claims", s.handleBatchClaimTimeBased).Methods(http.MethodPost)
	api.HandleFunc("/time-based/{id}", s.handleTimeBased).Methods(http.MethodGet)
	api.HandleFunc("/time-based/{id}/{action:activate|pause|resume|cancel}", s.handleTimeBasedTransition).Methods(http.MethodPost)
	api.HandleFunc("/time-based/{id}/claim", s.handleClaim).Methods(http.MethodPost)
	api.HandleFunc("/time-based/{id}/finalize", s.handleFinalize).Methods(http.MethodPost)

	api.HandleFunc("/milestone-agreements", s.handleCreateMilestoneAgreement).Methods(http.MethodPost)
	api.HandleFunc("/milestone-agreements/{id}", s.handleMilestoneAgreement).Methods(http.MethodGet)
	api.HandleFunc("/milestone-agreements/{id}/milestones", s.handleAddMilestone).Methods(http.MethodPost)
	api.HandleFunc("/milestone-agreements/{id}/claims", s.handleBatchClaimMilestones).Methods(http.MethodPost)
	api.HandleFunc("/milestone-agreements/{id}/milestones/{n:[0-9]+}/approve", s.handleApproveMilestone).Methods(http.MethodPost)
	api.HandleFunc("/milestone-agreements/{id}/milestones/{n:[0-9]+}/claim", s.handleClaimMilestone).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(requireRole(auth.RoleOperator))
	admin.HandleFunc("/index", s.handleVerifyIndex).Methods(http.MethodGet)
	admin.HandleFunc("/index/rebuild", s.handleRebuildIndex).Methods(http.MethodPost)
	admin.HandleFunc("/external/{account}/{asset}", s.handleMint).Methods(http.MethodPost)

	api.HandleFunc("/external/{account}/{asset}", s.handleExternalBalance).Methods(http.MethodGet)
	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "")
			return
		}
		id, role, err := s.auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token", "")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, id)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(role auth.Role) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got, _ := r.Context().Value(ctxKeyRole).(auth.Role); got != role {
				writeError(w, http.StatusForbidden, "operator role required", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, kind string) {
	body := map[string]string{"error": message}
	if kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", agreement.KindOf(agreement.ErrInvalidData))
		return false
	}
	return true
}

var statusByKind = map[string]int{
	"Unauthorized":              http.StatusForbidden,
	"InvalidData":               http.StatusBadRequest,
	"IdOutOfBounds":             http.StatusBadRequest,
	"DuplicateId":               http.StatusBadRequest,
	"EmptyBatch":                http.StatusBadRequest,
	"AgreementNotFound":         http.StatusNotFound,
	"AgreementExists":           http.StatusConflict,
	"InsufficientBalance":       http.StatusUnprocessableEntity,
	"InsufficientEscrowBalance": http.StatusUnprocessableEntity,
	"TransferFailed":            http.StatusBadGateway,
	"ContractPaused":            http.StatusServiceUnavailable,
	"NotInitialized":            http.StatusServiceUnavailable,
	"LedgerDivergence":          http.StatusInternalServerError,
	"Internal":                  http.StatusInternalServerError,
}

// statusFor maps an error to its HTTP status. Lifecycle and schedule
// rejections not listed above are conflicts.
func statusFor(err error) (int, string) {
	kind := agreement.KindOf(err)
	if status, ok := statusByKind[kind]; ok {
		return status, kind
	}
	return http.StatusConflict, kind
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, agreement.ErrContractPaused) && !errors.Is(err, agreement.ErrNotInitialized) {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.String("kind", kind), zap.Error(err))
		writeError(w, status, "internal error", kind)
		return
	}
	writeError(w, status, err.Error(), kind)
}

// amountView renders an integer amount with the asset's configured decimals.
type amountView struct {
	Units   int64  `json:"units"`
	Display string `json:"display"`
}

func (s *Server) amount(asset string, units int64) amountView {
	places := s.assets[asset]
	return amountView{Units: units, Display: decimal.New(units, -places).StringFixed(places)}
}
