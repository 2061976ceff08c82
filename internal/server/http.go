package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"VaultBridge/internal/notify"
	"VaultBridge/internal/ownership"
	"VaultBridge/internal/request"
	"VaultBridge/internal/requestledger"
	"VaultBridge/internal/scheduler"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

type submitRequestBody struct {
	Requester     string `json:"requester"`
	Kind          string `json:"kind"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	AttachedValue int64  `json:"attached_value"`
	PositionID    *int64 `json:"position_id,omitempty"`
	PositionKind  string `json:"position_kind,omitempty"`
	StrategyKind  string `json:"strategy_kind,omitempty"`
}

type requestView struct {
	ID            int64      `json:"id"`
	Requester     string     `json:"requester"`
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	Asset         string     `json:"asset"`
	Amount        int64      `json:"amount"`
	PositionID    *int64     `json:"position_id,omitempty"`
	PositionKind  string     `json:"position_kind,omitempty"`
	StrategyKind  string     `json:"strategy_kind,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StatusMessage string     `json:"status_message,omitempty"`
	LeaseExpires  *time.Time `json:"lease_expires_at,omitempty"`
}

func toView(r request.Request) requestView {
	v := requestView{
		ID:            r.ID,
		Requester:     r.Requester.String(),
		Kind:          r.Kind.String(),
		Status:        r.Status.String(),
		Asset:         r.Asset,
		Amount:        r.Amount,
		PositionID:    r.PositionID,
		PositionKind:  r.PositionKind,
		StrategyKind:  r.StrategyKind,
		CreatedAt:     r.CreatedAt,
		StatusMessage: r.StatusMessage,
	}
	if !r.LeaseExpiresAt.IsZero() {
		t := r.LeaseExpiresAt
		v.LeaseExpires = &t
	}
	return v
}

// gatewayMux wires the HTTP/JSON routes. The gateway mux gives path
// templating and consistent marshaling; handlers call the services
// directly.
func (s *Server) gatewayMux() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/requests", s.handleSubmit},
		{http.MethodGet, "/v1/requests/{id}", s.handleGetRequest},
		{http.MethodPost, "/v1/requests/{id}/cancel", s.handleCancel},
		{http.MethodGet, "/v1/requests/pending/count", s.handlePendingCount},
		{http.MethodGet, "/v1/users/{user}/positions", s.handleUserPositions},
		{http.MethodGet, "/v1/users/{user}/pending_balance", s.handlePendingBalance},

		{http.MethodPost, "/v1/admin/scheduler/pause", s.handlePause},
		{http.MethodPost, "/v1/admin/scheduler/resume", s.handleResume},
		{http.MethodPost, "/v1/admin/scheduler/run", s.handleRunOnce},
		{http.MethodPost, "/v1/admin/scheduler/max_parallel", s.handleSetMaxParallel},
		{http.MethodPost, "/v1/admin/scheduler/delay_table", s.handleSetDelayTable},
		{http.MethodPost, "/v1/admin/fees/topup", s.handleTopUp},
		{http.MethodPost, "/v1/admin/requests/{id}/force_fail", s.handleForceFail},
		{http.MethodPost, "/v1/admin/assets", s.handleRegisterAsset},
		{http.MethodPost, "/v1/admin/users/{user}/blocked", s.handleSetBlocked},
		{http.MethodGet, "/v1/admin/ownership/audit", s.handleOwnershipAudit},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, s.instrument(r.pattern, r.handler)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}

func (s *Server) instrument(pattern string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r, pathParams)
		if s.deps.Metrics != nil {
			s.deps.Metrics.APIRequests.WithLabelValues(pattern, strconv.Itoa(sw.status)).Inc()
			s.deps.Metrics.APIDuration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- request surface ---

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	requester, err := uuid.Parse(body.Requester)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid requester: %w", err))
		return
	}
	kind := request.ParseKind(body.Kind)
	if kind == request.KindUnknown {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown kind %q", body.Kind))
		return
	}

	id, err := s.deps.Ledger.CreateRequest(r.Context(), requestledger.CreateParams{
		Requester:     requester,
		Kind:          kind,
		Asset:         body.Asset,
		Amount:        body.Amount,
		AttachedValue: body.AttachedValue,
		PositionID:    body.PositionID,
		PositionKind:  body.PositionKind,
		StrategyKind:  body.StrategyKind,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.RequestsCreated.WithLabelValues(kind.String()).Inc()
	}
	if s.deps.JS != nil {
		if err := notify.PublishSubmitted(r.Context(), s.deps.JS, id); err != nil {
			s.logger.Warn().Err(err).Int64("request_id", id).Msg("submission notice failed")
		}
	}
	if s.deps.Scheduler != nil {
		s.deps.Scheduler.Poke()
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"id": id})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	id, err := pathID(pathParams, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, err := s.deps.Ledger.GetRequest(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(req))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	id, err := pathID(pathParams, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Requester string `json:"requester"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	caller, err := uuid.Parse(body.Requester)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid requester: %w", err))
		return
	}
	if err := s.deps.Ledger.CancelRequest(r.Context(), caller, id); err != nil {
		writeLedgerError(w, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RequestsCancelled.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	count, err := s.deps.Ledger.GetPendingRequestCount(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleUserPositions(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	user, err := uuid.Parse(pathParams["user"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user: %w", err))
		return
	}
	ids, err := s.deps.Ledger.GetPositionIDsForUser(r.Context(), user)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"position_ids": ids})
}

func (s *Server) handlePendingBalance(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	user, err := uuid.Parse(pathParams["user"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user: %w", err))
		return
	}
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		asset = request.AssetNative
	}
	amount, err := s.deps.Ledger.GetUserPendingBalance(r.Context(), user, asset)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"asset": asset, "amount": amount})
}

// --- admin surface ---

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	s.deps.Scheduler.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	s.deps.Scheduler.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleRunOnce(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	pending, err := s.deps.Scheduler.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pending_before_run": pending})
}

func (s *Server) handleSetMaxParallel(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body struct {
		MaxParallel int `json:"max_parallel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if body.MaxParallel < 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("max_parallel must be at least 1"))
		return
	}
	s.deps.Scheduler.SetMaxParallel(body.MaxParallel)
	writeJSON(w, http.StatusOK, map[string]int{"max_parallel": body.MaxParallel})
}

func (s *Server) handleSetDelayTable(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body struct {
		Entries []struct {
			Threshold int64  `json:"threshold"`
			Delay     string `json:"delay"`
		} `json:"entries"`
		DefaultDelay string `json:"default_delay"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	defaultDelay, err := time.ParseDuration(body.DefaultDelay)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid default_delay: %w", err))
		return
	}
	entries := make([]scheduler.Entry, 0, len(body.Entries))
	for _, e := range body.Entries {
		d, err := time.ParseDuration(e.Delay)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid delay %q: %w", e.Delay, err))
			return
		}
		entries = append(entries, scheduler.Entry{Threshold: e.Threshold, Delay: d})
	}
	table, err := scheduler.NewThresholdTable(entries, defaultDelay)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.deps.Scheduler.SetTable(table)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body struct {
		Runs int64 `json:"runs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if body.Runs <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("runs must be positive"))
		return
	}
	s.deps.Fees.TopUp(body.Runs)
	writeJSON(w, http.StatusOK, map[string]int64{"remaining": s.deps.Fees.Remaining()})
}

func (s *Server) handleForceFail(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	id, err := pathID(pathParams, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if body.Message == "" {
		body.Message = "force failed by operator"
	}
	if err := s.deps.Ledger.ForceFail(r.Context(), s.deps.BridgeID, id, body.Message); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body struct {
		Code         string `json:"code"`
		PositionKind string `json:"position_kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if body.Code == "" || body.PositionKind == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("code and position_kind are required"))
		return
	}
	if err := s.deps.Ledger.RegisterAsset(r.Context(), requestledger.AssetConfig{
		Code:         body.Code,
		PositionKind: body.PositionKind,
	}); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) handleSetBlocked(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	user, err := uuid.Parse(pathParams["user"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user: %w", err))
		return
	}
	var body struct {
		Blocked bool `json:"blocked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if err := s.deps.Ledger.SetBlocked(r.Context(), user, body.Blocked); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"blocked": body.Blocked})
}

func (s *Server) handleOwnershipAudit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	divergences, err := s.deps.Reconciler.Audit(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if divergences == nil {
		divergences = []ownership.Divergence{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"divergences": divergences,
		"consistent":  len(divergences) == 0,
	})
}

// --- helpers ---

func pathID(pathParams map[string]string, key string) (int64, error) {
	id, err := strconv.ParseInt(pathParams[key], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeLedgerError maps ledger errors onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, err error) {
	var validationErr *request.ValidationError
	var authErr *request.AuthorizationError

	switch {
	case errors.Is(err, request.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, request.ErrNotPending), errors.Is(err, request.ErrNotProcessing):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &authErr):
		writeError(w, http.StatusForbidden, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
