package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"locktrack/internal/auth"
	"locktrack/internal/logging"
	"locktrack/internal/rbac"
	"locktrack/internal/tracker"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.logger.Warn("forbidden",
		"request_id", requestIDFrom(r.Context()),
		"user_id", session.UserID,
		"role", string(session.Role),
		"action", string(action),
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{}
		for name, err := range s.service.Ping(ctx) {
			if err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks[name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[name] = map[string]any{"status": "ok"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "tracker" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	s.handleTracker(w, r, session, parts[2:])
}

// route is one tracker endpoint: method, path below /api/tracker, required action.
type route struct {
	method string
	path   string
	action rbac.Action
	serve  func(w http.ResponseWriter, r *http.Request, session Session, params []string)
}

func (s *HTTPServer) routes() []route {
	return []route{
		{http.MethodGet, "", rbac.ActionRead, s.handleView},
		{http.MethodGet, "history", rbac.ActionRead, s.handleHistory},
		{http.MethodGet, "report", rbac.ActionRead, s.handleReport},
		{http.MethodGet, "events", rbac.ActionRead, s.handleEvents},

		{http.MethodPost, "session/start", rbac.ActionTrack, s.handleStart},
		{http.MethodPost, "session/end/request", rbac.ActionTrack, s.handleRequestEnd},
		{http.MethodPost, "session/end/cancel", rbac.ActionTrack, s.handleCancelEnd},
		{http.MethodPost, "session/end/confirm", rbac.ActionTrack, s.handleConfirmEnd},
		{http.MethodPut, "session/start-time", rbac.ActionTrack, s.handleEditStart},

		{http.MethodPost, "pause/initiate", rbac.ActionTrack, s.handleInitiatePause},
		{http.MethodPost, "pause/cancel", rbac.ActionTrack, s.handleCancelPause},
		{http.MethodPost, "pause/confirm", rbac.ActionTrack, s.handleConfirmPause},
		{http.MethodPost, "pause/resume", rbac.ActionTrack, s.handleResume},

		{http.MethodPut, "goal", rbac.ActionTrack, s.handleSetGoal},
		{http.MethodDelete, "goal", rbac.ActionTrack, s.handleClearGoal},
		{http.MethodPost, "goal/unlock", rbac.ActionTrack, s.handleEmergencyUnlock},
		{http.MethodPost, "goal/combination", rbac.ActionTrack, s.handleRevealCombination},

		{http.MethodPut, "keyholder", rbac.ActionKeyhold, s.handleSetKeyholder},
		{http.MethodDelete, "keyholder", rbac.ActionKeyhold, s.handleClearKeyholder},
		{http.MethodPost, "release", rbac.ActionRequestRelease, s.handleFileRelease},
		{http.MethodPost, "release/*/approve", rbac.ActionKeyhold, s.handleApproveRelease},
		{http.MethodPost, "release/*/deny", rbac.ActionKeyhold, s.handleDenyRelease},

		{http.MethodPost, "restore/resume", rbac.ActionTrack, s.handleRestoreResume},
		{http.MethodPost, "restore/discard", rbac.ActionTrack, s.handleRestoreDiscard},
		{http.MethodPost, "restore/from-user", rbac.ActionTrack, s.handleRestoreFromUser},
	}
}

// matchRoute matches parts against pattern; "*" segments are returned as params.
func matchRoute(pattern string, parts []string) ([]string, bool) {
	want := splitPath(pattern)
	if len(want) != len(parts) {
		return nil, false
	}
	var params []string
	for i, segment := range want {
		if segment == "*" {
			params = append(params, parts[i])
			continue
		}
		if segment != parts[i] {
			return nil, false
		}
	}
	return params, true
}

func (s *HTTPServer) handleTracker(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	method := r.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}
	pathMatched := false
	for _, rt := range s.routes() {
		params, ok := matchRoute(rt.path, parts)
		if !ok {
			continue
		}
		pathMatched = true
		if rt.method != method {
			continue
		}
		if !s.service.Can(session.Role, rt.action) {
			s.forbid(w, r, session, rt.action)
			return
		}
		rt.serve(w, r, session, params)
		return
	}
	if pathMatched {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleView(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	view, err := s.service.View(r.Context(), session.UserID)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	history, err := s.service.History(r.Context(), session.UserID)
	s.respond(w, map[string]any{"history": history}, err)
}

func (s *HTTPServer) handleReport(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	report, err := s.service.Report(r.Context(), session.UserID)
	s.respond(w, report, err)
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	events, err := s.service.Events(r.Context(), session.UserID, limit)
	s.respond(w, map[string]any{"events": events}, err)
}

func (s *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	view, err := s.service.StartSession(r.Context(), session.UserID)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleRequestEnd(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	pending, err := s.service.RequestEnd(r.Context(), session.UserID)
	s.respond(w, map[string]any{"pendingEnd": pending}, err)
}

func (s *HTTPServer) handleCancelEnd(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	view, err := s.service.CancelEnd(r.Context(), session.UserID)
	s.respond(w, view, err)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *HTTPServer) handleConfirmEnd(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	var body reasonBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	entry, err := s.service.ConfirmEnd(r.Context(), session.UserID, body.Reason)
	s.respond(w, map[string]any{"entry": entry}, err)
}

func (s *HTTPServer) handleEditStart(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	var body struct {
		StartTime string `json:"startTime"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(body.StartTime))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "startTime must be an RFC 3339 timestamp", nil)
		return
	}
	view, err := s.service.EditSessionStart(r.Context(), session, start)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleInitiatePause(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	view, err := s.service.InitiatePause(r.Context(), session.UserID)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleCancelPause(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	view, err := s.service.CancelPause(r.Context(), session.UserID)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleConfirmPause(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	var body reasonBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, err := s.service.ConfirmPause(r.Context(), session.UserID, body.Reason)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleResume(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	view, err := s.service.Resume(r.Context(), session.UserID)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleSetGoal(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	var body GoalInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SetGoal(r.Context(), session.UserID, body)
	s.respond(w, result, err)
}

func (s *HTTPServer) handleClearGoal(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	view, err := s.service.ClearGoal(r.Context(), session.UserID)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleEmergencyUnlock(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	var body struct {
		Code string `json:"code"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.EmergencyUnlock(r.Context(), session.UserID, body.Code)
	s.respond(w, result, err)
}

func (s *HTTPServer) handleRevealCombination(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	combination, err := s.service.RevealCombination(r.Context(), session.UserID)
	s.respond(w, map[string]any{"combination": combination}, err)
}

func (s *HTTPServer) handleSetKeyholder(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	var body KeyholderInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.KeyholderName) == "" {
		body.KeyholderName = session.Name
	}
	view, err := s.service.SetKeyholder(r.Context(), session.UserID, body)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleClearKeyholder(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	view, err := s.service.ClearKeyholder(r.Context(), session.UserID)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleFileRelease(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	request, err := s.service.FileRelease(r.Context(), session.UserID)
	s.respond(w, map[string]any{"request": request}, err)
}

func (s *HTTPServer) handleApproveRelease(w http.ResponseWriter, r *http.Request, session Session, params []string) {
	view, err := s.service.ApproveRelease(r.Context(), session.UserID, params[0], handledBy(session))
	s.respond(w, view, err)
}

func (s *HTTPServer) handleDenyRelease(w http.ResponseWriter, r *http.Request, session Session, params []string) {
	view, err := s.service.DenyRelease(r.Context(), session.UserID, params[0], handledBy(session))
	s.respond(w, view, err)
}

func handledBy(session Session) string {
	if name := strings.TrimSpace(session.Name); name != "" {
		return name
	}
	return string(session.Role)
}

func (s *HTTPServer) handleRestoreResume(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	view, err := s.service.ResumeRemote(r.Context(), session.UserID)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleRestoreDiscard(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	view, err := s.service.DiscardRemote(r.Context(), session.UserID)
	s.respond(w, view, err)
}

func (s *HTTPServer) handleRestoreFromUser(w http.ResponseWriter, r *http.Request, session Session, _ []string) {
	var body struct {
		SourceUserID string `json:"sourceUserId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, err := s.service.RestoreFromUser(r.Context(), session.UserID, body.SourceUserID)
	s.respond(w, view, err)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var trackerErr *tracker.Error
	if errors.As(err, &trackerErr) {
		return statusForKind(trackerErr.Kind), trackerErr.Code, trackerErr.Message, trackerErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func statusForKind(kind tracker.Kind) int {
	switch kind {
	case tracker.KindPolicy:
		return http.StatusConflict
	case tracker.KindVerification:
		return http.StatusForbidden
	case tracker.KindInvalidInput:
		return http.StatusUnprocessableEntity
	case tracker.KindUnavailable:
		return http.StatusServiceUnavailable
	case tracker.KindRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
