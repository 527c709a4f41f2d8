// Package dispatcher is the HTTP front end: it classifies each request,
// translates between public and child session ids, proxies to the chosen
// ChildDriver, and updates registry state as responses come back.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sessiondriver/sessiondriver/internal/childdriver"
	sdmiddleware "github.com/sessiondriver/sessiondriver/internal/middleware"
	"github.com/sessiondriver/sessiondriver/internal/registry"
)

// maxCreateBodySize bounds the size of a POST /session request body.
const maxCreateBodySize = 1 << 20

// Options configures a Dispatcher.
type Options struct {
	Webdriver      string
	ExtraArgs      []string
	StartupTimeout time.Duration
	SessionTTL     time.Duration
	MaxCreateRate  float64
	CreateBurst    int
}

// Dispatcher is the proxy's HTTP handler.
type Dispatcher struct {
	logger   *slog.Logger
	registry *registry.Registry
	limiter  *createRateLimiter
	client   *http.Client

	webdriver      string
	extraArgs      []string
	startupTimeout time.Duration
	ttl            time.Duration

	router *chi.Mux
}

// New builds a Dispatcher with its route table mounted.
func New(opts Options, reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		logger:         logger.With("subsystem", "dispatcher"),
		registry:       reg,
		limiter:        newCreateRateLimiter(opts.MaxCreateRate, opts.CreateBurst, logger),
		client:         &http.Client{},
		webdriver:      opts.Webdriver,
		extraArgs:      opts.ExtraArgs,
		startupTimeout: opts.StartupTimeout,
		ttl:            opts.SessionTTL,
		router:         chi.NewRouter(),
	}
	d.routes()
	return d
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.router.ServeHTTP(w, r)
}

// Close releases background resources (the rate limiter's cleanup loop).
func (d *Dispatcher) Close() {
	d.limiter.stopCleanup()
}

func (d *Dispatcher) routes() {
	r := d.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(sdmiddleware.Logging)
	r.Use(sdmiddleware.Recovery)

	r.Get("/status", d.handleStatus)
	r.Post("/session", d.handleCreate)
	r.Delete("/session/{publicID}", d.handleDelete)
	r.Get("/session/driver/{publicID}/status", d.handleDriverStatus)
	r.HandleFunc("/session/{publicID}/*", d.handleProxy)
	r.NotFound(d.handleNotFound)
}

// handleStatus reports proxy-level health; it never reflects any child's
// health.
func (d *Dispatcher) handleStatus(w http.ResponseWriter, r *http.Request) {
	count := d.registry.Count()
	writeW3CValue(w, http.StatusOK, map[string]any{
		"ready":   true,
		"message": fmt.Sprintf("sessiondriver: %d active session(s)", count),
	})
}

// handleCreate implements POST /session: spawn a new child, forward the
// create request to it, and hand the client back a response with the
// driver's sessionId rewritten to a fresh public id.
func (d *Dispatcher) handleCreate(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !d.limiter.allow(ip) {
		writeW3CError(w, http.StatusTooManyRequests, "unknown error", "session create rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBodySize))
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}

	result, err := d.registry.Create(d.ttl, d.spawnChild(r.Context(), body))
	if err != nil {
		d.writeCreateError(w, err)
		return
	}

	rewritten, ok := rewriteSessionID(result.ResponseBody, result.Session.PublicID)
	if !ok {
		d.logger.Error("create response lost its sessionId between extraction and rewrite",
			"public_id", result.Session.PublicID)
		d.registry.Terminate(result.Session.PublicID)
		writeW3CError(w, http.StatusBadGateway, "unknown error", "webdriver returned an unrecognized create response")
		return
	}

	d.logger.Info("session created",
		"public_id", result.Session.PublicID, "child_id", result.Session.ChildID, "remote_addr", ip)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	w.Write(rewritten) //nolint:errcheck
}

// spawnChild returns the registry.CreateFunc closure for one create
// request: it spawns the child on the given port, forwards createBody to
// the child's own POST /session, and extracts the child-assigned session
// id from the response.
func (d *Dispatcher) spawnChild(ctx context.Context, createBody []byte) registry.CreateFunc {
	return func(port int) (*childdriver.Child, string, []byte, int, error) {
		child, err := childdriver.Spawn(ctx, d.webdriver, port, d.extraArgs, d.startupTimeout, d.logger)
		if err != nil {
			return nil, "", nil, 0, err
		}

		url := fmt.Sprintf("http://127.0.0.1:%d/session", port)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(createBody))
		if err != nil {
			child.Shutdown()
			return nil, "", nil, 0, fmt.Errorf("building create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			child.Shutdown()
			return nil, "", nil, 0, fmt.Errorf("posting session create to child: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			child.Shutdown()
			return nil, "", nil, 0, fmt.Errorf("reading create response: %w", err)
		}

		childID, _ := extractSessionID(respBody)
		return child, childID, respBody, resp.StatusCode, nil
	}
}

// writeCreateError maps a registry.Create error to the HTTP surface
// described by the error handling table.
func (d *Dispatcher) writeCreateError(w http.ResponseWriter, err error) {
	var rejected *registry.CreateRejectedError
	var exited *childdriver.ExitedDuringStartupError

	switch {
	case errors.As(err, &rejected):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rejected.StatusCode)
		w.Write(rejected.Body) //nolint:errcheck
	case errors.Is(err, registry.ErrNoPortAvailable):
		writeUnknownError(w, "no loopback port available")
	case errors.Is(err, childdriver.ErrStartupTimeout):
		writeUnknownError(w, "webdriver did not become ready in time")
	case errors.As(err, &exited):
		writeUnknownError(w, fmt.Sprintf("webdriver exited during startup (exit code %d)", exited.ExitCode))
	case errors.Is(err, registry.ErrMalformedCreateResponse):
		writeW3CError(w, http.StatusBadGateway, "unknown error", "webdriver returned an unrecognized create response")
	default:
		d.logger.Error("session create failed", "error", err)
		writeUnknownError(w, "session create failed")
	}
}

// handleDelete implements DELETE /session/{publicID}: forward the delete
// to the child, then terminate the session regardless of the child's
// response.
func (d *Dispatcher) handleDelete(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "publicID")

	sess, err := d.registry.Lookup(publicID)
	if err != nil {
		writeNotFound(w)
		return
	}

	childURL := fmt.Sprintf("http://127.0.0.1:%d/session/%s", sess.Child.Port, sess.ChildID)
	if req, err := http.NewRequestWithContext(r.Context(), http.MethodDelete, childURL, nil); err == nil {
		if resp, err := d.client.Do(req); err == nil {
			resp.Body.Close()
		} else {
			d.logger.Warn("delete forward to child failed", "public_id", publicID, "error", err)
		}
	}

	if err := d.registry.Terminate(publicID); err != nil {
		writeNotFound(w)
		return
	}

	writeW3CValue(w, http.StatusOK, nil)
}

// handleDriverStatus implements the non-spec introspection endpoint; it
// is never forwarded to the child.
func (d *Dispatcher) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "publicID")

	sess, err := d.registry.Lookup(publicID)
	if err != nil {
		writeNotFound(w)
		return
	}

	writeW3CValue(w, http.StatusOK, map[string]any{
		"alive":                sess.Child.IsAlive(),
		"last_activity_ms_ago": sess.Idle().Milliseconds(),
		"state":                sess.State().String(),
	})
}

// handleProxy implements the generic /session/{publicID}/... passthrough:
// translate the id in the path, forward the request unchanged, copy the
// response back, and touch last_activity on success.
func (d *Dispatcher) handleProxy(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "publicID")

	sess, err := d.registry.Lookup(publicID)
	if err != nil {
		writeNotFound(w)
		return
	}

	targetPath := rewritePath(r.URL.Path, publicID, sess.ChildID)
	targetURL := fmt.Sprintf("http://127.0.0.1:%d%s", sess.Child.Port, targetPath)
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
	if err != nil {
		writeBadRequest(w, "malformed request")
		return
	}
	copyHeaders(outReq.Header, r.Header)
	outReq.Host = fmt.Sprintf("127.0.0.1:%d", sess.Child.Port)

	resp, err := d.client.Do(outReq)
	if err != nil {
		if !sess.Child.IsAlive() {
			d.logger.Warn("child exited, terminating session", "public_id", publicID, "error", err)
			d.registry.Terminate(publicID) //nolint:errcheck
		} else {
			d.logger.Warn("upstream proxy error", "public_id", publicID, "error", err)
		}
		writeW3CError(w, http.StatusBadGateway, "unknown error", "upstream request failed")
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body) //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		sess.Touch()
	}
}

// handleNotFound handles any path with no matching route. SessionDriver
// configures no default child, so this always yields 404.
func (d *Dispatcher) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeW3CError(w, http.StatusNotFound, "unknown command", "no such route")
}
