package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bft-labs/replicator/pkg/fsm"
	"github.com/bft-labs/replicator/pkg/log"
	"github.com/bft-labs/replicator/pkg/plugin"
	"github.com/bft-labs/replicator/pkg/replicator"
	"github.com/bft-labs/replicator/pkg/waiter"
)

// HeaderRequestID carries the correlation ID of a management request.
const HeaderRequestID = "X-Request-ID"

// Controller is the management surface served over HTTP.
// *replicator.Controller implements it.
type Controller interface {
	State() string
	Status(ctx context.Context) (map[string]string, error)
	Diagnostics() replicator.Diagnostics
	Online(ctx context.Context, params plugin.Params) error
	Offline(ctx context.Context, params plugin.Params) error
	OfflineDeferred(ctx context.Context, params plugin.Params) error
	Configure(ctx context.Context, props plugin.Properties) error
	SetRole(ctx context.Context, role plugin.Role, uri string) error
	ClearDynamicProperties(ctx context.Context) error
	Heartbeat(ctx context.Context, params plugin.Params) (bool, error)
	Flush(ctx context.Context, timeout time.Duration) (string, error)
	Purge(ctx context.Context, params plugin.Params) (int, error)
	Backup(ctx context.Context, agent, storage string, timeout time.Duration) (string, error)
	Restore(ctx context.Context, uri string, timeout time.Duration) (string, error)
	Provision(ctx context.Context, uri string, timeout time.Duration) (bool, error)
	WaitForState(ctx context.Context, name string, timeout time.Duration) (bool, error)
	WaitForAppliedSequenceNumber(ctx context.Context, id string, timeout time.Duration) (bool, error)
	Signal(code plugin.SignalCode, message string) error
}

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Error  string   `json:"error"`
	Causes []string `json:"causes,omitempty"`
}

// Handler serves the management API.
type Handler struct {
	ctrl     Controller
	logger   log.Logger
	gatherer prometheus.Gatherer
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the request logger.
func WithLogger(l log.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) HandlerOption {
	return func(h *Handler) { h.gatherer = g }
}

// NewHandler creates the management handler for ctrl.
func NewHandler(ctrl Controller, opts ...HandlerOption) *Handler {
	h := &Handler{ctrl: ctrl, logger: log.NewNoopLogger()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns the chi router with every management route.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestID)
	r.Use(h.logRequests)

	r.Get("/status", h.status)
	r.Get("/state", h.state)
	r.Get("/diagnostics", h.diagnostics)
	r.Get("/wait", h.waitForState)
	r.Get("/applied/{id}", h.waitForApplied)

	r.Post("/online", h.paramsCommand(h.ctrl.Online))
	r.Post("/offline", h.paramsCommand(h.ctrl.Offline))
	r.Post("/offline/deferred", h.paramsCommand(h.ctrl.OfflineDeferred))
	r.Post("/configure", h.configure)
	r.Put("/role", h.setRole)
	r.Delete("/properties/dynamic", h.clearDynamic)
	r.Post("/heartbeat", h.heartbeat)
	r.Post("/flush", h.flush)
	r.Post("/purge", h.purge)
	r.Post("/backup", h.backup)
	r.Post("/restore", h.restore)
	r.Post("/provision", h.provision)
	r.Post("/signal", h.signal)

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// requestID tags every request with a correlation ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("management request",
			log.String("method", r.Method),
			log.String("path", r.URL.Path),
			log.Int("status", ww.Status()),
			log.Duration("duration", time.Since(start)),
			log.String("request_id", ww.Header().Get(HeaderRequestID)),
		)
	})
}

type roleRequest struct {
	Role plugin.Role `json:"role"`
	URI  string      `json:"uri"`
}

type signalRequest struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type transferRequest struct {
	Agent   string `json:"agent"`
	Storage string `json:"storage"`
	URI     string `json:"uri"`
	Timeout string `json:"timeout"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": h.ctrl.State()})
}

func (h *Handler) diagnostics(w http.ResponseWriter, _ *http.Request) {
	d := h.ctrl.Diagnostics()
	body := map[string]any{
		"pendingError":            d.PendingError,
		"pendingExceptionMessage": d.PendingExceptionMessage,
		"pendingErrorSeqno":       d.PendingErrorSeqno,
		"pendingErrorEventId":     d.PendingErrorEventID,
	}
	if !d.LastStateChange.IsZero() {
		body["lastStateChange"] = d.LastStateChange.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) waitForState(w http.ResponseWriter, r *http.Request) {
	timeout, err := queryTimeout(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	ok, err := h.ctrl.WaitForState(r.Context(), r.URL.Query().Get("state"), timeout)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reached": ok, "state": h.ctrl.State()})
}

func (h *Handler) waitForApplied(w http.ResponseWriter, r *http.Request) {
	timeout, err := queryTimeout(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	ok, err := h.ctrl.WaitForAppliedSequenceNumber(r.Context(), chi.URLParam(r, "id"), timeout)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": ok})
}

func (h *Handler) paramsCommand(fn func(context.Context, plugin.Params) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params plugin.Params
		if err := decodeBody(r, &params); err != nil {
			h.writeError(w, err)
			return
		}
		if err := fn(r.Context(), params); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": h.ctrl.State()})
	}
}

// configure reloads the property store when the body is empty.
func (h *Handler) configure(w http.ResponseWriter, r *http.Request) {
	var props plugin.Properties
	if err := decodeBody(r, &props); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.ctrl.Configure(r.Context(), props); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": h.ctrl.State()})
}

func (h *Handler) setRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.ctrl.SetRole(r.Context(), req.Role, req.URI); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"role": string(req.Role)})
}

func (h *Handler) clearDynamic(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.ClearDynamicProperties(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var params plugin.Params
	if err := decodeBody(r, &params); err != nil {
		h.writeError(w, err)
		return
	}
	ok, err := h.ctrl.Heartbeat(r.Context(), params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	timeout, err := queryTimeout(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	pos, err := h.ctrl.Flush(r.Context(), timeout)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"position": pos})
}

func (h *Handler) purge(w http.ResponseWriter, r *http.Request) {
	var params plugin.Params
	if err := decodeBody(r, &params); err != nil {
		h.writeError(w, err)
		return
	}
	n, err := h.ctrl.Purge(r.Context(), params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"killed": n})
}

func (h *Handler) backup(w http.ResponseWriter, r *http.Request) {
	req, timeout, err := decodeTransfer(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	uri, err := h.ctrl.Backup(r.Context(), req.Agent, req.Storage, timeout)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeTransfer(w, uri)
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	req, timeout, err := decodeTransfer(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	uri, err := h.ctrl.Restore(r.Context(), req.URI, timeout)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeTransfer(w, uri)
}

func (h *Handler) provision(w http.ResponseWriter, r *http.Request) {
	req, timeout, err := decodeTransfer(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	done, err := h.ctrl.Provision(r.Context(), req.URI, timeout)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"completed": done})
}

// signal queues a plugin notification; it is processed asynchronously.
func (h *Handler) signal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	code, err := plugin.ParseSignal(req.Code)
	if err != nil {
		h.writeError(w, badRequest{err})
		return
	}
	if err := h.ctrl.Signal(code, req.Message); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"signal": string(code)})
}

// writeTransfer answers 202 while the operation is still running.
func writeTransfer(w http.ResponseWriter, uri string) {
	if uri == "" {
		writeJSON(w, http.StatusAccepted, map[string]bool{"completed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"completed": true, "uri": uri})
}

// badRequest marks client input errors.
type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest{fmt.Errorf("decode body: %w", err)}
	}
	return nil
}

func decodeTransfer(r *http.Request) (transferRequest, time.Duration, error) {
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		return req, 0, err
	}
	if req.Timeout == "" {
		return req, 0, nil
	}
	d, err := time.ParseDuration(req.Timeout)
	if err != nil {
		return req, 0, badRequest{fmt.Errorf("timeout: %w", err)}
	}
	return req, d, nil
}

// queryTimeout parses the optional timeout query parameter. Zero selects
// the controller default.
func queryTimeout(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("timeout")
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, badRequest{fmt.Errorf("timeout: %w", err)}
	}
	return d, nil
}

func statusCode(err error) int {
	var (
		br badRequest
		rb *fsm.RollbackError
		fe *fsm.FatalError
	)
	switch {
	case errors.As(err, &br),
		errors.Is(err, waiter.ErrUnknownState),
		errors.Is(err, plugin.ErrUnknownSignal),
		errors.Is(err, replicator.ErrInvalidPattern):
		return http.StatusBadRequest
	case errors.Is(err, fsm.ErrNotApplicable),
		errors.Is(err, replicator.ErrNotOnline),
		errors.Is(err, waiter.ErrErrorState):
		return http.StatusConflict
	case errors.As(err, &rb):
		return http.StatusUnprocessableEntity
	case errors.Is(err, replicator.ErrNotRunning),
		errors.Is(err, fsm.ErrQueueFull),
		errors.Is(err, fsm.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.As(err, &fe):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	body := ErrorBody{Error: err.Error()}
	var opErr *replicator.Error
	if errors.As(err, &opErr) {
		body.Error = opErr.Message()
		body.Causes = opErr.Causes()
	}
	if code >= http.StatusInternalServerError {
		h.logger.Warn("management request failed", log.Int("status", code), log.Err(err))
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
