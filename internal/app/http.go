package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"docket/api/internal/auth"
	"docket/api/internal/logging"
	"docket/api/internal/rbac"
	"docket/api/internal/store"
)

type HTTPConfig struct {
	TokenSecret []byte
	CORSOrigin  string
	MetricsPath string
	Metrics     http.Handler
	Logger      *logrus.Logger
}

type HTTPServer struct {
	service *Service
	cfg     HTTPConfig
	log     *logrus.Logger
}

func NewHTTPServer(service *Service, cfg HTTPConfig) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	return &HTTPServer{service: service, cfg: cfg, log: logger}
}

type actorHandler func(w http.ResponseWriter, r *http.Request, actor rbac.Actor)

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	if s.cfg.Metrics != nil {
		path := s.cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, s.cfg.Metrics).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Handle("/change-requests", s.authenticated(s.handleListChangeRequests)).Methods(http.MethodGet)
	api.Handle("/change-requests", s.authenticated(s.handleSubmit)).Methods(http.MethodPost)
	api.Handle("/change-requests/{id}", s.authenticated(s.handleGetChangeRequest)).Methods(http.MethodGet)
	api.Handle("/change-requests/{id}/review", s.authenticated(s.handleReview)).Methods(http.MethodPost)
	api.Handle("/change-requests/{id}/resubmit", s.authenticated(s.handleResubmit)).Methods(http.MethodPost)
	api.Handle("/change-requests/{id}/cancel", s.authenticated(s.handleCancel)).Methods(http.MethodPost)
	api.Handle("/change-requests/{id}/lineage", s.authenticated(s.handleLineage)).Methods(http.MethodGet)
	api.Handle("/change-requests/{id}/diff", s.authenticated(s.handleDiff)).Methods(http.MethodGet)

	api.Handle("/projects", s.authenticated(s.handleListProjects)).Methods(http.MethodGet)
	api.Handle("/projects/{id}/items", s.authenticated(s.handleListItems)).Methods(http.MethodGet)
	api.Handle("/items/{id}", s.authenticated(s.handleGetItem)).Methods(http.MethodGet)
	api.Handle("/items/{id}/history", s.authenticated(s.handleItemHistory)).Methods(http.MethodGet)
	api.Handle("/items/{id}/history.xlsx", s.authenticated(s.handleExportTimeline)).Methods(http.MethodGet)

	api.Handle("/quality-approvals", s.authenticated(s.handleListApprovals)).Methods(http.MethodGet)
	api.Handle("/quality-approvals/{id}", s.authenticated(s.handleGetApproval)).Methods(http.MethodGet)
	api.Handle("/quality-approvals/{id}/timeline", s.authenticated(s.handleRevisionTimeline)).Methods(http.MethodGet)
	api.Handle("/quality-approvals/{id}/qc-approve", s.authenticated(s.qualityAction(s.service.ApproveAsQC))).Methods(http.MethodPost)
	api.Handle("/quality-approvals/{id}/pm-approve", s.authenticated(s.qualityAction(s.service.ApproveAsPM))).Methods(http.MethodPost)
	api.Handle("/quality-approvals/{id}/reject", s.authenticated(s.qualityAction(s.service.Reject))).Methods(http.MethodPost)
	api.Handle("/quality-approvals/{id}/request-revision", s.authenticated(s.qualityAction(s.service.RequestRevision))).Methods(http.MethodPost)
	api.Handle("/quality-approvals/{id}/resolve-revision", s.authenticated(s.handleResolveRevision)).Methods(http.MethodPost)

	api.Handle("/dashboard/badges", s.authenticated(s.handleBadges)).Methods(http.MethodGet)
	api.Handle("/notifications", s.authenticated(s.handleListNotifications)).Methods(http.MethodGet)
	api.Handle("/notifications/{id}/read", s.authenticated(s.handleMarkRead)).Methods(http.MethodPost)
	api.Handle("/users/{id}", s.authenticated(s.handleDeleteUser)).Methods(http.MethodDelete)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{s.cfg.CORSOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	})
	return s.withMiddleware(corsHandler.Handler(router))
}

func (s *HTTPServer) authenticated(next actorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		claims, err := auth.ParseToken(s.cfg.TokenSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next(w, r, claims.Actor())
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, statusCode, map[string]any{"status": status, "checks": checks})
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	var input SubmitInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}
	request, err := s.service.Submit(r.Context(), actor, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, request)
}

func (s *HTTPServer) handleListChangeRequests(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	query := r.URL.Query()
	filter := store.ChangeRequestFilter{
		Status:      query.Get("status"),
		SubmitterID: query.Get("submitterId"),
		ProjectID:   query.Get("projectId"),
		ItemID:      query.Get("itemId"),
		Limit:       queryLimit(r),
	}
	if query.Get("mine") == "true" {
		filter.SubmitterID = actor.ID
	}
	requests, err := s.service.ListChangeRequests(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": requests})
}

func (s *HTTPServer) handleGetChangeRequest(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	request, err := s.service.GetChangeRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (s *HTTPServer) handleReview(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	var input ReviewInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}
	request, err := s.service.Review(r.Context(), actor, mux.Vars(r)["id"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (s *HTTPServer) handleResubmit(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	var input ResubmitInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}
	request, err := s.service.Resubmit(r.Context(), actor, mux.Vars(r)["id"], input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, request)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	request, err := s.service.Cancel(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (s *HTTPServer) handleLineage(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	chain, err := s.service.Lineage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": chain})
}

func (s *HTTPServer) handleDiff(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	diff, err := s.service.ChangeRequestDiff(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	projects, err := s.service.ListProjects(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": projects})
}

func (s *HTTPServer) handleListItems(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	items, err := s.service.ListItems(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleGetItem(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	item, err := s.service.GetItem(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleItemHistory(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	entries, err := s.service.ItemHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *HTTPServer) handleExportTimeline(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	data, filename, err := s.service.ExportItemTimeline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) handleListApprovals(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	query := r.URL.Query()
	filter := store.QualityFilter{
		Status:      query.Get("status"),
		SubmitterID: query.Get("submitterId"),
		ProjectID:   query.Get("projectId"),
		Limit:       queryLimit(r),
	}
	if query.Get("mine") == "true" {
		filter.SubmitterID = actor.ID
	}
	approvals, err := s.service.ListQualityApprovals(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": approvals})
}

func (s *HTTPServer) handleGetApproval(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	approval, err := s.service.GetQualityApproval(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (s *HTTPServer) handleRevisionTimeline(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	timeline, err := s.service.RevisionTimeline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

type qualityFunc func(ctx context.Context, actor rbac.Actor, approvalID, note string) (store.QCDocumentApproval, error)

func (s *HTTPServer) qualityAction(action qualityFunc) actorHandler {
	return func(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
		var body struct {
			Note string `json:"note"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
			return
		}
		approval, err := action(r.Context(), actor, mux.Vars(r)["id"], body.Note)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, approval)
	}
}

func (s *HTTPServer) handleResolveRevision(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	approval, err := s.service.ResolveRevision(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (s *HTTPServer) handleBadges(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	badges, err := s.service.Badges(r.Context(), actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, badges)
}

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	notifications, err := s.service.ListNotifications(r.Context(), actor, r.URL.Query().Get("unread") == "true", queryLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": notifications})
}

func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	if err := s.service.MarkNotificationRead(r.Context(), actor, mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDeleteUser(w http.ResponseWriter, r *http.Request, actor rbac.Actor) {
	if err := s.service.DeleteUser(r.Context(), actor, mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestIDFrom(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, code, message, details)
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
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("http request")
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
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

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 0
	}
	return limit
}

func mapError(err error) (status int, code, message string, details any) {
	if domainErr := asDomainError(err); domainErr != nil {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "TIMEOUT", "The request timed out; re-check the record before retrying", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
