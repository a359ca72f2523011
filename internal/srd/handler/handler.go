// Package handler exposes status checks over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"srdwatch/internal/srd/models"
	"srdwatch/internal/srd/validation"
	dErrors "srdwatch/pkg/domain-errors"
	"srdwatch/pkg/platform/httputil"
	"srdwatch/pkg/platform/middleware/request"
	"srdwatch/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

// Service is the subset of the check service the HTTP layer needs.
type Service interface {
	Check(ctx context.Context, idNumber, mobile string) (*models.Snapshot, error)
	Latest(ctx context.Context, idNumber, mobile string) (*models.Snapshot, error)
}

type Handler struct {
	service   Service
	validator *validation.Validator
	logger    *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		service:   service,
		validator: validation.New(),
		logger:    logger,
	}
}

// Register mounts the check routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/v1/checks", func(r chi.Router) {
		r.Post("/", h.handleCheck)
		r.Get("/latest", h.handleLatest)
	})
}

// NewRouter builds the full HTTP surface: check routes, health and metrics.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(request.Middleware)
	r.Use(request.Recovery(h.logger))
	r.Use(request.AccessLog(h.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	h.Register(r)
	return r
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := httputil.DecodeJSON[validation.CheckRequest](r)
	if err != nil {
		h.fail(ctx, w, "invalid check request", err)
		return
	}
	key, err := h.validator.Key(*req)
	if err != nil {
		h.fail(ctx, w, "invalid check request", err)
		return
	}

	snapshot, err := h.service.Check(ctx, key.IDNumber, key.Mobile)
	if err != nil {
		h.fail(ctx, w, "status check failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := r.URL.Query()
	key, err := h.validator.Key(validation.CheckRequest{
		IDNumber: q.Get("id_number"),
		Mobile:   q.Get("mobile"),
	})
	if err != nil {
		h.fail(ctx, w, "invalid latest request", err)
		return
	}

	snapshot, err := h.service.Latest(ctx, key.IDNumber, key.Mobile)
	if err != nil {
		h.fail(ctx, w, "latest check lookup failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	level := slog.LevelWarn
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"request_id", requestcontext.RequestID(ctx),
		"code", dErrors.CodeOf(err),
		"error", err,
	)
	httputil.WriteError(w, err)
}
