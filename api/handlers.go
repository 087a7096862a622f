package api

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/james-iacabucci/formedfor-operations-sub001/domain"
	"github.com/james-iacabucci/formedfor-operations-sub001/ordering"
)

const (
	maxBodySize = 64 << 10

	// HeaderIdempotencyKey lets clients retry a move without applying it twice.
	HeaderIdempotencyKey = "Idempotency-Key"
)

type handlers struct {
	svc     Service
	auth    Authenticator
	deduper Deduper
	logger  *log.Logger
}

// Register wires up all API routes on the provided Echo instance. deduper
// may be nil, in which case idempotency keys are ignored.
func Register(e *echo.Echo, svc Service, auth Authenticator, deduper Deduper, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &handlers{svc: svc, auth: auth, deduper: deduper, logger: logger}

	e.GET("/api/scopes/:scope/tasks", h.route("list", "/api/scopes/:scope/tasks", h.listTasks))
	e.POST("/api/tasks", h.route("create", "/api/tasks", h.createTask))
	e.POST("/api/tasks/:id/move", h.route("move", "/api/tasks/:id/move", h.moveTask))
	e.DELETE("/api/tasks/:id", h.route("delete", "/api/tasks/:id", h.deleteTask))
	e.POST("/api/scopes/:scope/respace", h.route("respace", "/api/scopes/:scope/respace", h.respace))
	e.GET("/healthz", healthz)
}

// RegisterMetrics installs the request metrics middleware and serves reg
// together with the process wide collectors on /metrics.
func RegisterMetrics(e *echo.Echo, reg *prometheus.Registry) {
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "taskorder",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/healthz"
		},
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
		Gatherer: prometheus.Gatherers{reg, prometheus.DefaultGatherer},
	}))
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

type handlerFunc func(c echo.Context, ownerID string, m *requestMetrics) error

// route authenticates the request, runs fn and reports the outcome. fn
// writes the success response itself and returns service errors, which are
// rendered here.
func (h *handlers) route(name, path string, fn handlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, ctx := newRequestMetrics(c.Request().Context(), h.logger, name, path)
		c.SetRequest(c.Request().WithContext(ctx))

		authStart := time.Now()
		ownerID, authErr := h.auth.OwnerIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.Observe("auth", time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return h.fail(c, metrics, fmt.Errorf("%w: %v", errUnauthorized, authErr))
		}

		if err := fn(c, ownerID, metrics); err != nil {
			return h.fail(c, metrics, err)
		}
		metrics.Log(c.Response().Status, nil)
		return nil
	}
}

func (h *handlers) fail(c echo.Context, metrics *requestMetrics, err error) error {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("route", c.Path()).Error("request failed")
	}
	writeErr := c.JSON(status, errorResponse{Error: err.Error(), Code: code})
	metrics.Log(status, err)
	return writeErr
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}

func scopeParam(c echo.Context) (string, error) {
	scope, err := url.PathUnescape(c.Param("scope"))
	if err != nil || strings.TrimSpace(scope) == "" {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidScope, c.Param("scope"))
	}
	return scope, nil
}

func (h *handlers) listTasks(c echo.Context, ownerID string, m *requestMetrics) error {
	scope, err := scopeParam(c)
	if err != nil {
		m.SetErrorStage("params")
		return err
	}
	fetchStart := time.Now()
	tasks, err := h.svc.List(c.Request().Context(), ownerID, scope)
	m.Observe("fetch", time.Since(fetchStart))
	if err != nil {
		m.SetErrorStage("storage")
		return err
	}
	m.Set("tasks_returned", len(tasks))
	return h.encode(c, m, http.StatusOK, scopeResponse{Scope: scope, Tasks: tasks})
}

func (h *handlers) createTask(c echo.Context, ownerID string, m *requestMetrics) error {
	var nt domain.NewTask
	if err := decodeBody(c, &nt); err != nil {
		m.SetErrorStage("decode")
		return err
	}
	nt.OwnerID = ownerID
	task, err := h.svc.Create(c.Request().Context(), nt)
	if err != nil {
		m.SetErrorStage("create")
		return err
	}
	m.Set("scope", task.ScopeKey)
	return h.encode(c, m, http.StatusCreated, task)
}

func (h *handlers) moveTask(c echo.Context, ownerID string, m *requestMetrics) (err error) {
	var req ordering.MoveRequest
	if err := decodeBody(c, &req); err != nil {
		m.SetErrorStage("decode")
		return err
	}
	req.OwnerID = ownerID
	req.TaskID = c.Param("id")
	ctx := c.Request().Context()

	key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
	req.IdempotencyKey = key
	if key != "" && h.deduper != nil {
		m.Set("idempotency_key", true)
		added, derr := h.deduper.Add(ctx, ownerID, key)
		if derr != nil {
			m.SetErrorStage("dedupe")
			return fmt.Errorf("%w: %v", errDeduper, derr)
		}
		if !added {
			m.SetErrorStage("dedupe")
			return fmt.Errorf("%w: %s", errDuplicateRequest, key)
		}
		defer func() {
			if err == nil {
				return
			}
			if rerr := h.deduper.Remove(ctx, ownerID, key); rerr != nil {
				h.logger.WithError(rerr).WithField("owner", ownerID).Warn("unable to release idempotency key")
			}
		}()
	}

	moveStart := time.Now()
	res, err := h.svc.Move(ctx, req)
	m.Observe("move", time.Since(moveStart))
	if err != nil {
		m.SetErrorStage("move")
		return err
	}
	m.Set("shifted_rows", res.ShiftedRows)
	m.Set("cross_scope", res.FromScope != res.ToScope)
	return h.encode(c, m, http.StatusOK, res)
}

func (h *handlers) deleteTask(c echo.Context, ownerID string, m *requestMetrics) error {
	if err := h.svc.Delete(c.Request().Context(), ownerID, c.Param("id")); err != nil {
		m.SetErrorStage("delete")
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) respace(c echo.Context, ownerID string, m *requestMetrics) error {
	scope, err := scopeParam(c)
	if err != nil {
		m.SetErrorStage("params")
		return err
	}
	tasks, err := h.svc.Respace(c.Request().Context(), ownerID, scope)
	if err != nil {
		m.SetErrorStage("respace")
		return err
	}
	m.Set("tasks_returned", len(tasks))
	return h.encode(c, m, http.StatusOK, scopeResponse{Scope: scope, Tasks: tasks})
}

func (h *handlers) encode(c echo.Context, m *requestMetrics, status int, v any) error {
	encodeStart := time.Now()
	err := c.JSON(status, v)
	m.Observe("encode", time.Since(encodeStart))
	return err
}
