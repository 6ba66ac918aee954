package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"masterflow/api/internal/auth"
	"masterflow/api/internal/export"
	"masterflow/api/internal/flow"
	"masterflow/api/internal/store"
)

const maxBodyBytes = 1 << 20

// customStepParam addresses the unnamed step of an ad-hoc flow in URLs.
const customStepParam = "_"

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/api/session", s.handleSession)
		r.Get("/api/inbox", s.handleInbox)

		r.Get("/api/masterflows", s.handleListMasterflows)
		r.Put("/api/masterflows/{flowID}", s.handleSaveMasterflow)

		r.Post("/api/documents", s.handleCreateDocument)
		r.Route("/api/documents/{documentID}", func(r chi.Router) {
			r.Get("/", s.handleDocumentState)
			r.Post("/submit", s.handleSubmit)
			r.Post("/cancel", s.handleCancel)
			r.Post("/records/{recordID}/decision", s.handleDecision)
			r.Get("/groups", s.handleGroups)
			r.Get("/groups/{groupKey}", s.handleGroup)
			r.Get("/steps/{stepID}", s.handleStep)
			r.Get("/audit", s.handleAudit)
			r.Get("/transitions", s.handleTransitions)
			r.Get("/certificate", s.handleCertificate)
		})
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready, checks := s.service.Readiness(ctx)
	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"email":         nilIfEmpty(session.Email),
		"tenantId":      session.TenantID,
		"role":          session.Role,
	})
}

func (s *HTTPServer) handleInbox(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Inbox(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		entry := recordJSON(item.Record)
		entry["documentTitle"] = item.DocumentTitle
		entry["stepName"] = item.StepName
		entry["overdue"] = item.Overdue
		payload = append(payload, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": payload})
}

func (s *HTTPServer) handleListMasterflows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.service.ListMasterflows(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(flows))
	for _, item := range flows {
		payload = append(payload, masterflowJSON(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"masterflows": payload})
}

func (s *HTTPServer) handleSaveMasterflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body too large or unreadable", nil)
		return
	}
	saved, err := s.service.SaveMasterflow(r.Context(), sessionFrom(r), chi.URLParam(r, "flowID"), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, masterflowJSON(saved))
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var body CreateDocumentInput
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), sessionFrom(r), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, documentJSON(doc))
}

func (s *HTTPServer) handleDocumentState(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.DocumentState(r.Context(), sessionFrom(r), chi.URLParam(r, "documentID"))
	s.respondState(w, state, err)
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.SubmitDocument(r.Context(), sessionFrom(r), chi.URLParam(r, "documentID"))
	s.respondState(w, state, err)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.CancelDocument(r.Context(), sessionFrom(r), chi.URLParam(r, "documentID"))
	s.respondState(w, state, err)
}

func (s *HTTPServer) handleDecision(w http.ResponseWriter, r *http.Request) {
	var body DecisionRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	state, err := s.service.Decide(r.Context(), sessionFrom(r), chi.URLParam(r, "documentID"), chi.URLParam(r, "recordID"), body)
	s.respondState(w, state, err)
}

func (s *HTTPServer) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.service.GroupOutcomes(r.Context(), sessionFrom(r), chi.URLParam(r, "documentID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *HTTPServer) handleGroup(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.GroupOutcome(r.Context(), sessionFrom(r), chi.URLParam(r, "documentID"), chi.URLParam(r, "groupKey"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleStep(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	if stepID == customStepParam {
		stepID = ""
	}
	result, err := s.service.StepOutcome(r.Context(), sessionFrom(r), chi.URLParam(r, "documentID"), stepID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.service.AuditTrail(r.Context(), sessionFrom(r), chi.URLParam(r, "documentID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(events))
	for _, event := range events {
		payload = append(payload, map[string]any{
			"id":        event.ID,
			"eventType": event.EventType,
			"actorId":   event.ActorID,
			"recordId":  event.RecordID,
			"payload":   event.Payload,
			"createdAt": event.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": payload})
}

func (s *HTTPServer) handleTransitions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	items, err := s.service.Transitions(r.Context(), sessionFrom(r), chi.URLParam(r, "documentID"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": items})
}

func (s *HTTPServer) handleCertificate(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, err)
		return
	}
	result, err := s.service.Certificate(r.Context(), sessionFrom(r), chi.URLParam(r, "documentID"), format)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	if result.ArchiveKey != "" {
		w.Header().Set("X-Archive-Key", result.ArchiveKey)
	}
	if result.ArchiveURL != "" {
		w.Header().Set("X-Archive-URL", result.ArchiveURL)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) respondState(w http.ResponseWriter, state flow.DocumentState, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("app: %s: %v", code, err)
	}
	writeError(w, status, code, message, details)
}

type sessionKey struct{}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
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

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Archive-Key, X-Archive-URL, X-Request-ID")
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

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
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

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func documentJSON(doc store.Document) map[string]any {
	return map[string]any{
		"id":          doc.ID,
		"title":       doc.Title,
		"ownerId":     doc.OwnerID,
		"flowId":      nilIfEmpty(doc.FlowID),
		"approvers":   doc.Approvers,
		"state":       doc.State,
		"currentStep": doc.CurrentStep,
		"steps":       doc.Steps,
		"submittedAt": doc.SubmittedAt,
		"completedAt": doc.CompletedAt,
		"createdAt":   doc.CreatedAt,
		"updatedAt":   doc.UpdatedAt,
	}
}

func recordJSON(record store.ApprovalRecord) map[string]any {
	return map[string]any{
		"id":              record.ID,
		"documentId":      record.DocumentID,
		"stepId":          record.StepID,
		"groupKey":        flow.EffectiveGroupKey(record),
		"policy":          record.Policy,
		"approverId":      nilIfEmpty(record.ApproverID),
		"approverEmail":   nilIfEmpty(record.ApproverEmail),
		"order":           record.Order,
		"status":          record.Status,
		"decidedAt":       record.DecidedAt,
		"rejectionReason": nilIfEmpty(record.RejectionReason),
		"comment":         nilIfEmpty(record.Comment),
		"dueAt":           record.DueAt,
		"createdAt":       record.CreatedAt,
	}
}

func masterflowJSON(item store.Masterflow) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"name":        item.Name,
		"description": item.Description,
		"steps":       item.Steps,
		"updatedAt":   item.UpdatedAt,
	}
}
