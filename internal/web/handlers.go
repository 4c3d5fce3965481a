package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fleetdeck/fleetdeck/internal/activity"
	"github.com/fleetdeck/fleetdeck/internal/dispatch"
	"github.com/fleetdeck/fleetdeck/internal/money"
	"github.com/fleetdeck/fleetdeck/internal/store"
)

// apiError is the uniform HTTP error envelope.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		webLog.Warn("write_response_failed", slog.String("error", err.Error()))
	}
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: code, Message: message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.deps.Store.Len(),
	})
}

// sessionView is the wire form of one account session.
type sessionView struct {
	Account        string  `json:"accountName"`
	PID            int     `json:"pid"`
	PlaceID        string  `json:"placeId,omitempty"`
	JobID          string  `json:"jobId,omitempty"`
	Status         string  `json:"status"`
	Money          float64 `json:"money"`
	BankMoney      float64 `json:"bankMoney"`
	Total          float64 `json:"total"`
	Classification string  `json:"classification"`
	Visible        bool    `json:"visible"`
	Connections    int     `json:"connections"`
	LastTelemetry  string  `json:"lastTelemetry,omitempty"`
}

func viewOf(sess *store.AccountSession) sessionView {
	v := sessionView{
		Account:        sess.Account,
		PID:            sess.PID,
		PlaceID:        sess.PlaceID,
		JobID:          sess.JobID,
		Status:         sess.Status,
		Money:          sess.Money,
		BankMoney:      sess.BankMoney,
		Total:          sess.Total(),
		Classification: sess.Classification.String(),
		Visible:        sess.Visible,
		Connections:    len(sess.ConnIDs),
	}
	if !sess.LastTelemetry.IsZero() {
		v.LastTelemetry = sess.LastTelemetry.UTC().Format(time.RFC3339)
	}
	return v
}

// handleGameData ingests telemetry on POST and lists sessions on GET.
func (s *Server) handleGameData(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.listGameData(w, r)
	case http.MethodPost:
		s.ingestGameData(w, r)
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST")
	}
}

func (s *Server) listGameData(w http.ResponseWriter, r *http.Request) {
	// Visible sessions by default; ?all=true includes disconnected accounts
	// that still have records (restored ledgers, pending launches).
	sessions := s.deps.Store.ListVisible()
	if r.URL.Query().Get("all") == "true" {
		sessions = s.deps.Store.List()
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewOf(sess))
	}
	writeJSON(w, http.StatusOK, views)
}

// telemetryRequest tolerates clients that report money as numbers or as
// formatted currency strings. OtherData and hasWebSocket are accepted for
// wire compatibility but carry no server-side meaning.
type telemetryRequest struct {
	Account      string          `json:"accountName"`
	Money        any             `json:"money"`
	BankMoney    any             `json:"bankMoney"`
	PlaceID      string          `json:"placeId,omitempty"`
	JobID        string          `json:"jobId,omitempty"`
	OtherData    json.RawMessage `json:"otherData,omitempty"`
	HasWebSocket bool            `json:"hasWebSocket,omitempty"`
}

func (s *Server) ingestGameData(w http.ResponseWriter, r *http.Request) {
	var req telemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if req.Account == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "accountName is required")
		return
	}
	if !s.telemetryLimiter(req.Account).Allow() {
		writeAPIError(w, http.StatusTooManyRequests, "rate_limited", "telemetry rate exceeded")
		return
	}

	pocket := money.Normalize(req.Money)
	bank := money.Normalize(req.BankMoney)
	newTotal := pocket + bank

	thresholds := s.classifierThresholds()
	var view sessionView
	s.deps.Store.Upsert(req.Account, func(sess *store.AccountSession) {
		increased := newTotal > sess.Total()
		sess.Money = pocket
		sess.BankMoney = bank
		sess.BalanceHistory = activity.Fold(sess.BalanceHistory, increased, thresholds)
		sess.Classification = activity.Classify(sess.BalanceHistory, thresholds)
		sess.LastTelemetry = time.Now()
		if req.PlaceID != "" {
			sess.PlaceID = req.PlaceID
		}
		if req.JobID != "" {
			sess.JobID = req.JobID
		}
		view = viewOf(sess)
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"classification": view.Classification,
		"total":          view.Total,
	})
}

// handleLeaveGame removes an account's session. Repeating the call after
// removal yields 404; removal is not an error the first time only.
func (s *Server) handleLeaveGame(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var req struct {
		Account string `json:"accountName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "accountName is required")
		return
	}

	sess, err := s.deps.Store.Delete(req.Account)
	if errors.Is(err, store.ErrNotFound) {
		writeAPIError(w, http.StatusNotFound, "not_found", "no session for account")
		return
	}

	if s.deps.Correlator != nil {
		s.deps.Correlator.Cancel(req.Account)
	}
	if s.deps.Registry != nil {
		s.deps.Registry.CloseAccount(req.Account)
	}

	webLog.Info("session_left",
		slog.String("account", req.Account),
		slog.Int("pid", sess.PID))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleLaunchGame creates a launching session, starts the client, and arms
// pid correlation against a fresh process-table baseline.
func (s *Server) handleLaunchGame(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var req struct {
		Account string `json:"accountName"`
		PlaceID string `json:"placeId"`
		JobID   string `json:"jobId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "accountName is required")
		return
	}

	s.deps.Store.Upsert(req.Account, func(sess *store.AccountSession) {
		sess.Status = store.StatusLaunching
		sess.PID = 0
		sess.PlaceID = req.PlaceID
		sess.JobID = req.JobID
		sess.LaunchedAt = time.Now()
	})

	if s.deps.Launch != nil {
		if err := s.deps.Launch(r.Context(), req.PlaceID, req.JobID); err != nil {
			webLog.Error("launch_failed",
				slog.String("account", req.Account),
				slog.String("error", err.Error()))
			writeAPIError(w, http.StatusInternalServerError, "launch_failed", err.Error())
			return
		}
	}

	if s.deps.Correlator != nil {
		// Correlation outlives the request; run it off the server context.
		if err := s.deps.Correlator.Begin(s.baseCtx, req.Account); err != nil {
			webLog.Warn("correlation_begin_failed",
				slog.String("account", req.Account),
				slog.String("error", err.Error()))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": store.StatusLaunching})
}

// processView is one process-table row, annotated with the owning account
// when correlation has attributed it.
type processView struct {
	PID     int    `json:"pid"`
	Name    string `json:"name"`
	Account string `json:"accountName,omitempty"`
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	procs, err := s.deps.Scanner.List(r.Context(), s.cfg.ExecutableName)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "scan_failed", err.Error())
		return
	}

	views := make([]processView, 0, len(procs))
	for _, p := range procs {
		v := processView{PID: p.PID, Name: p.Name}
		if sess, ok := s.deps.Store.ByPID(p.PID); ok {
			v.Account = sess.Account
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleTerminate force-kills a client process by pid or by account.
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var req struct {
		PID     int    `json:"pid,omitempty"`
		Account string `json:"accountName,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	pid := req.PID
	if pid == 0 && req.Account != "" {
		sess, err := s.deps.Store.Get(req.Account)
		if err != nil || sess.PID == 0 {
			writeAPIError(w, http.StatusNotFound, "not_found", "no correlated process for account")
			return
		}
		pid = sess.PID
	}
	if pid == 0 {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "pid or accountName is required")
		return
	}

	if err := s.deps.Scanner.Terminate(r.Context(), pid); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "terminate_failed", err.Error())
		return
	}

	// Terminating the process removes its session record entirely, same as
	// an explicit leave: handles closed, pid mapping dropped.
	if sess, ok := s.deps.Store.ByPID(pid); ok {
		if _, err := s.deps.Store.Delete(sess.Account); err == nil {
			if s.deps.Correlator != nil {
				s.deps.Correlator.Cancel(sess.Account)
			}
			if s.deps.Registry != nil {
				s.deps.Registry.CloseAccount(sess.Account)
			}
		}
	}

	webLog.Info("process_terminated", slog.Int("pid", pid))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pid": pid})
}

// handleExecuteScript dispatches a script to one account's live session.
func (s *Server) handleExecuteScript(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var req struct {
		Account string `json:"accountName"`
		Script  string `json:"script"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if req.Account == "" || strings.TrimSpace(req.Script) == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "accountName and script are required")
		return
	}

	execID, err := s.deps.Dispatcher.Execute(req.Account, req.Script)
	if errors.Is(err, dispatch.ErrNoActiveSession) {
		writeAPIError(w, http.StatusNotFound, "no_active_session", "account has no open session")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusBadGateway, "dispatch_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "execId": execID})
}

// handleExecuteScriptMultiple dispatches a script to many accounts, or to
// every connected account when the list is empty.
func (s *Server) handleExecuteScriptMultiple(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var req struct {
		Accounts []string `json:"accountNames"`
		Script   string   `json:"script"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "script is required")
		return
	}

	var report dispatch.Report
	if len(req.Accounts) == 0 {
		report = s.deps.Dispatcher.Broadcast(req.Script)
	} else {
		report = s.deps.Dispatcher.ExecuteMany(req.Accounts, req.Script)
	}

	webLog.Info("multi_dispatch",
		slog.Int("total", report.Total),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed))
	writeJSON(w, http.StatusOK, report)
}

// SubstituteLaunchCommand expands %PLACE% and %JOB% in a launch template.
func SubstituteLaunchCommand(template, placeID, jobID string) string {
	out := strings.ReplaceAll(template, "%PLACE%", placeID)
	out = strings.ReplaceAll(out, "%JOB%", jobID)
	return out
}
