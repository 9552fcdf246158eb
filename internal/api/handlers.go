package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/assetledger/auditchain/internal/audit"
	"github.com/assetledger/auditchain/internal/chain"
)

// Paging defaults and caps.
const (
	defaultEntityLimit = 100
	defaultActorLimit  = 50
	defaultRecentLimit = 20
	maxLimit           = 1000
)

type changeBody struct {
	Field    string         `json:"field"`
	OldValue *string        `json:"old_value"`
	NewValue *string        `json:"new_value"`
	Metadata map[string]any `json:"metadata"`
}

type trackBody struct {
	Before   map[string]*string `json:"before"`
	After    map[string]*string `json:"after"`
	Metadata map[string]any     `json:"metadata"`
}

// handleRecordChange appends one change.
// POST /api/entities/{entityID}/changes  {"field": "...", "old_value": ..., "new_value": ...}
func (s *Server) handleRecordChange(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var body changeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	receipt, err := s.svc.RecordChange(r.Context(), audit.ChangeRequest{
		EntityID: chi.URLParam(r, "entityID"),
		Field:    body.Field,
		OldValue: body.OldValue,
		NewValue: body.NewValue,
		Actor:    actor,
		Metadata: body.Metadata,
	})
	if err != nil {
		writeServiceError(w, "record change", err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// handleTrackChanges records every audited field that differs between the
// before and after snapshots.
// POST /api/entities/{entityID}/track  {"before": {...}, "after": {...}}
func (s *Server) handleTrackChanges(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var body trackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	receipts, err := s.svc.TrackChanges(r.Context(), chi.URLParam(r, "entityID"),
		body.Before, body.After, actor, body.Metadata)
	if err != nil {
		writeServiceError(w, "track changes", err)
		return
	}
	writeJSON(w, http.StatusCreated, receipts)
}

// GET /api/entities/{entityID}/changes?skip=0&limit=100
func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := paging(w, r, defaultEntityLimit)
	if !ok {
		return
	}
	recs, err := s.svc.ListChanges(r.Context(), chi.URLParam(r, "entityID"), skip, limit)
	if err != nil {
		writeServiceError(w, "list changes", err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// GET /api/entities/{entityID}/chain
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.ChainWithVerification(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeServiceError(w, "read chain", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleVerify returns 200 for both intact and broken chains; a broken
// chain is a result, reported in the body.
// GET /api/entities/{entityID}/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.VerifyChain(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writeServiceError(w, "verify chain", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/entities/{entityID}/export?format=jsonl|json|csv
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = audit.FormatJSONL
	}

	var contentType string
	switch format {
	case audit.FormatJSONL:
		contentType = "application/x-ndjson"
	case audit.FormatJSON:
		contentType = "application/json"
	case audit.FormatCSV:
		contentType = "text/csv"
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported export format %q (use json, jsonl, or csv)", format))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", attachment("audit-"+entityID+"."+format))
	if err := s.svc.Export(r.Context(), w, entityID, format); err != nil {
		// Headers may already be sent; the body is truncated.
		slog.Error("export failed", "entity", entityID, "format", format, "error", err)
	}
}

// GET /api/actors/{actorID}/changes?skip=0&limit=50
func (s *Server) handleActorChanges(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := paging(w, r, defaultActorLimit)
	if !ok {
		return
	}
	recs, err := s.svc.ChangesByActor(r.Context(), chi.URLParam(r, "actorID"), skip, limit)
	if err != nil {
		writeServiceError(w, "list actor changes", err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// GET /api/changes/recent?field=assignedTo&limit=20
func (s *Server) handleRecentChanges(w http.ResponseWriter, r *http.Request) {
	_, limit, ok := paging(w, r, defaultRecentLimit)
	if !ok {
		return
	}
	recs, err := s.svc.RecentChanges(r.Context(), r.URL.Query().Get("field"), limit)
	if err != nil {
		writeServiceError(w, "recent changes", err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// GET /api/statistics
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Statistics(r.Context())
	if err != nil {
		writeServiceError(w, "statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Helpers ---

// actorFrom reads the authenticated actor, writing 401 when absent.
func actorFrom(w http.ResponseWriter, r *http.Request) (chain.Actor, bool) {
	actor := chain.Actor{
		ID:    r.Header.Get(HeaderActorID),
		Email: r.Header.Get(HeaderActorEmail),
	}
	if actor.ID == "" {
		writeError(w, http.StatusUnauthorized, HeaderActorID+" header required")
		return chain.Actor{}, false
	}
	return actor, true
}

// paging parses skip and limit, writing 400 on malformed values.
func paging(w http.ResponseWriter, r *http.Request, defLimit int) (skip, limit int, ok bool) {
	q := r.URL.Query()
	limit = defLimit
	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "skip must be a non-negative integer")
			return 0, 0, false
		}
		skip = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(n, maxLimit)
	}
	return skip, limit, true
}

// attachment builds a Content-Disposition value. Non-ASCII names are
// carried as an RFC 2231 filename* parameter.
func attachment(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chain.ErrInvalidChange), errors.Is(err, audit.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, chain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, chain.ErrBusy), errors.Is(err, chain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("api request failed", "op", op, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}
