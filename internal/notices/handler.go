package notices

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"editais/ingest-service/internal/model"
)

// Reader is the query side used by the handler; *Service implements it.
type Reader interface {
	List(ctx context.Context, f Filter) ([]model.Notice, error)
	Get(ctx context.Context, id int64) (*model.Notice, error)
	Stats(ctx context.Context) (model.Stats, error)
}

// Ingester runs one on-demand ingestion over the default window.
type Ingester interface {
	RunDaily(ctx context.Context, trigger model.Trigger) (model.RunResult, error)
}

// StatusReader returns the last recorded run, or nil when none exists.
type StatusReader interface {
	Last(ctx context.Context) (*model.RunResult, error)
}

// Handler holds shared dependencies.
type Handler struct {
	reader      Reader
	ingester    Ingester
	status      StatusReader
	requireUser bool
	log         *slog.Logger
}

// NewHandler returns a configured Handler. When requireUser is set, every
// route demands the x-user-id header forwarded by the auth gateway.
func NewHandler(reader Reader, ingester Ingester, status StatusReader, requireUser bool) *Handler {
	return &Handler{
		reader:      reader,
		ingester:    ingester,
		status:      status,
		requireUser: requireUser,
		log:         slog.With("component", "http"),
	}
}

// RegisterRoutes mounts all notice routes on mux:
//
//	GET  /notices?region=&title=   → list stored notices
//	GET  /notices/{id}             → single notice
//	GET  /notices/stats            → total and per-region counts
//	POST /notices/ingest           → run one ingestion synchronously, {"count": n}
//	GET  /notices/ingest/status    → last recorded run
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/notices", h.gate(http.HandlerFunc(h.handleNotices)))
	mux.Handle("/notices/", h.gate(http.HandlerFunc(h.handleNoticeAction)))
}

func (h *Handler) gate(next http.Handler) http.Handler {
	if !h.requireUser {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-user-id") == "" {
			jsonError(w, "missing x-user-id header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Route dispatch ───────────────────────────────────────────────────────────

// handleNotices handles GET /notices
func (h *Handler) handleNotices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.listNotices(w, r)
}

// handleNoticeAction handles everything below /notices/
func (h *Handler) handleNoticeAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/notices/"), "/")

	switch rest {
	case "ingest":
		if r.Method != http.MethodPost {
			jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ingest(w, r)
		return
	case "ingest/status":
		if r.Method != http.MethodGet {
			jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ingestStatus(w, r)
		return
	case "stats":
		if r.Method != http.MethodGet {
			jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.stats(w, r)
		return
	}

	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if rest == "" || strings.Contains(rest, "/") {
		jsonError(w, "invalid path", http.StatusNotFound)
		return
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		jsonError(w, "notice id must be a positive integer", http.StatusBadRequest)
		return
	}
	h.getNotice(w, r, id)
}

// ─── Individual handlers ──────────────────────────────────────────────────────

func (h *Handler) listNotices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.reader.List(r.Context(), Filter{
		Region:        q.Get("region"),
		TitleContains: q.Get("title"),
	})
	if err != nil {
		h.log.Error("list notices failed", "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	jsonOK(w, list)
}

func (h *Handler) getNotice(w http.ResponseWriter, r *http.Request, id int64) {
	n, err := h.reader.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		jsonError(w, "notice not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("get notice failed", "id", id, "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	jsonOK(w, n)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.reader.Stats(r.Context())
	if err != nil {
		h.log.Error("stats failed", "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	jsonOK(w, st)
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	res, err := h.ingester.RunDaily(r.Context(), model.TriggerOnDemand)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "ingestion failed: " + err.Error(),
			"count": 0,
		})
		return
	}
	jsonOK(w, map[string]int{"count": res.Processed})
}

func (h *Handler) ingestStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		jsonError(w, "run status is not configured", http.StatusNotFound)
		return
	}
	last, err := h.status.Last(r.Context())
	if err != nil {
		h.log.Error("read run status failed", "err", err)
		jsonError(w, "run status unavailable", http.StatusServiceUnavailable)
		return
	}
	if last == nil {
		jsonError(w, "no ingestion run recorded yet", http.StatusNotFound)
		return
	}
	jsonOK(w, last)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func jsonOK(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
