// Package httpapi exposes the coordination core over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/coordd/api"
	"pkt.systems/coordd/internal/clock"
	"pkt.systems/coordd/internal/core"
	"pkt.systems/coordd/internal/correlation"
	"pkt.systems/coordd/internal/svcfields"
	"pkt.systems/coordd/internal/uuidv7"
	"pkt.systems/pslog"
)

const headerCorrelationID = "X-Correlation-Id"

// headerIndex carries the allocator's current value on every read response;
// clients feed it back as ?index= for blocking queries.
const headerIndex = "X-Coordd-Index"

const defaultJSONMaxBytes = 1 << 20

// Handler wires HTTP endpoints to the coordination core.
type Handler struct {
	core               *core.Service
	logger             pslog.Logger
	clock              clock.Clock
	datacenter         string
	jsonMaxBytes       int64
	tracer             trace.Tracer
	httpTracingEnabled bool
}

// Config assembles a Handler.
type Config struct {
	Core         *core.Service
	Logger       pslog.Logger
	Clock        clock.Clock
	Datacenter   string
	JSONMaxBytes int64
	// EnableTracing turns on per-request otel spans.
	EnableTracing bool
}

// New constructs a Handler from cfg.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultJSONMaxBytes
	}
	return &Handler{
		core:               cfg.Core,
		logger:             logger,
		clock:              clk,
		datacenter:         cfg.Datacenter,
		jsonMaxBytes:       maxBytes,
		tracer:             otel.Tracer("pkt.systems/coordd/httpapi"),
		httpTracingEnabled: cfg.EnableTracing,
	}
}

// Register mounts every endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/kv/", h.wrap("kv", h.handleKV))
	mux.Handle("/v1/session/create", h.wrap("session.create", h.handleSessionCreate))
	mux.Handle("/v1/session/renew/", h.wrap("session.renew", h.handleSessionRenew))
	mux.Handle("/v1/session/destroy/", h.wrap("session.destroy", h.handleSessionDestroy))
	mux.Handle("/v1/session/info/", h.wrap("session.info", h.handleSessionInfo))
	mux.Handle("/v1/session/list", h.wrap("session.list", h.handleSessionList))
	mux.Handle("/v1/catalog/datacenters", h.wrap("catalog.datacenters", h.handleDatacenters))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "coordd.http." + operation
	txSpanName := "coordd.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("coordd.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("coordd.operation", operation),
				attribute.String("coordd.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"correlation_id", pslog.TrustedString(correlation.ID(ctx)),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		if instrument {
			span.SetAttributes(attribute.String("coordd.correlation_id", correlation.ID(ctx)))
		}

		w.Header().Set(headerCorrelationID, correlation.ID(ctx))
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if instrument {
					span.SetStatus(codes.Error, "context_canceled")
				}
				logger.Trace("http.request.canceled", "elapsed", time.Since(start))
				h.handleError(ctx, w, httpError{
					Status: http.StatusServiceUnavailable,
					Code:   "request_canceled",
					Detail: "request context canceled",
				})
				return
			}
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				var httpErr httpError
				if errors.As(err, &httpErr) {
					span.SetAttributes(
						attribute.String("coordd.error_code", httpErr.Code),
						attribute.Int("coordd.error_status", httpErr.Status),
					)
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if instrument {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode: httpErr.Code,
			Detail:    httpErr.Detail,
		}, nil)
		return
	}
	logger.Error("http.request.internal", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET"}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, nil)
	return nil
}

func (h *Handler) handleDatacenters(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET"}
	}
	h.writeJSON(w, http.StatusOK, []string{h.datacenter}, nil)
	return nil
}
