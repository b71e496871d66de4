// Package api exposes candle pages over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
	"candle-cache/internal/logger"
	"candle-cache/internal/query"
)

// Pager serves one page of candles.
type Pager interface {
	Page(ctx context.Context, req query.Request) (*query.Page, error)
}

// Status is the /status payload.
type Status struct {
	Status         string     `json:"status"`
	Backend        string     `json:"backend"`
	Intervals      []string   `json:"intervals"`
	CacheRecords   int        `json:"cache_records"`
	PendingRecords int        `json:"pending_records"`
	LastUpdate     *time.Time `json:"last_update,omitempty"`
}

// StatusFunc reports the current service status.
type StatusFunc func() Status

type handler struct {
	pages  Pager
	status StatusFunc
	log    *logger.Logger
}

// NewHandler builds the HTTP routes. metrics and status may be nil.
func NewHandler(pages Pager, metrics http.Handler, status StatusFunc, log *logger.Logger) http.Handler {
	h := &handler{pages: pages, status: status, log: log.Named("api")}

	r := chi.NewRouter()
	r.Use(h.recoverer, h.requestID, cors.AllowAll().Handler)

	r.Get("/v1/candles", h.handleCandles)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if status != nil {
		r.Get("/status", h.handleStatus)
	}
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

type candleDTO struct {
	ID        string                       `json:"id"`
	EntityRef string                       `json:"entity_ref"`
	Interval  interval.Interval            `json:"interval"`
	Start     time.Time                    `json:"start"`
	Metrics   map[string]*domain.Aggregate `json:"metrics"`
}

type pageDTO struct {
	EntityRef  string            `json:"entity_ref"`
	Interval   interval.Interval `json:"interval"`
	Total      int               `json:"total"`
	NextCursor string            `json:"next_cursor,omitempty"`
	Candles    []candleDTO       `json:"candles"`
}

type errorDTO struct {
	Error string `json:"error"`
}

func (h *handler) handleCandles(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorDTO{Error: err.Error()})
		return
	}

	ctx := logger.ContextWithEntityRef(r.Context(), req.EntityRef)
	page, err := h.pages.Page(ctx, req)
	switch {
	case errors.Is(err, query.ErrBadRequest):
		writeJSON(w, http.StatusBadRequest, errorDTO{Error: err.Error()})
		return
	case err != nil:
		h.log.WithContext(ctx).Error("page failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorDTO{Error: "internal error"})
		return
	}

	out := pageDTO{
		EntityRef:  req.EntityRef,
		Interval:   req.Interval,
		Total:      page.Total,
		NextCursor: page.NextCursor,
		Candles:    make([]candleDTO, 0, len(page.Candles)),
	}
	for _, rec := range page.Candles {
		out.Candles = append(out.Candles, candleDTO{
			ID:        rec.ID(),
			EntityRef: rec.Key.EntityRef,
			Interval:  rec.Key.Interval,
			Start:     rec.Key.Start,
			Metrics:   rec.Aggregates,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

func parseRequest(r *http.Request) (query.Request, error) {
	q := r.URL.Query()

	req := query.Request{EntityRef: q.Get("ref")}
	if req.EntityRef == "" {
		return req, errors.New("ref is required")
	}

	iv, err := interval.Parse(q.Get("interval"))
	if err != nil {
		return req, err
	}
	req.Interval = iv

	if req.From, err = parseTime("from", q.Get("from")); err != nil {
		return req, err
	}
	if req.To, err = parseTime("to", q.Get("to")); err != nil {
		return req, err
	}

	if q.Has("cursor") {
		cursor := q.Get("cursor")
		req.Cursor = &cursor
	}

	if s := q.Get("limit"); s != "" {
		if req.Limit, err = strconv.Atoi(s); err != nil {
			return req, fmt.Errorf("limit: %q is not an integer", s)
		}
	}
	return req, nil
}

// parseTime accepts RFC3339 or unix milliseconds.
func parseTime(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: want RFC3339 or unix milliseconds, got %q", name, s)
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.ContextWithRequestID(r.Context(), id)))
	})
}

func (h *handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rcv := recover(); rcv != nil {
				h.log.WithContext(r.Context()).Error("panic",
					zap.Any("recovered", rcv),
					zap.ByteString("stack", debug.Stack()))
				writeJSON(w, http.StatusInternalServerError, errorDTO{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
