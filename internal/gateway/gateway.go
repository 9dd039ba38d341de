// Package gateway is an optional HTTP front door that lets operators
// submit a resource for ICAP adaptation over plain HTTP instead of
// embedding the Go API directly: a small Echo service wrapped around the
// client, with request logging, metrics, and an audit trail.
package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"icap-client/icap"
	"icap-client/internal/metrics"
	"icap-client/internal/store"
)

// Handler serves the gateway's routes.
type Handler struct {
	client  *icap.Client
	store   *store.Store // optional; nil disables audit logging
	metrics *metrics.Metrics
	log     zerolog.Logger

	requestSource  string
	connectTimeout time.Duration
	readTimeout    time.Duration
}

// Config configures a Handler's default per-request parameters.
type Config struct {
	RequestSource    string
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	CompareIdentical bool
}

// NewHandler builds a gateway Handler. st may be nil to disable audit
// logging. CompareIdentical is applied to the client once here rather than
// per request; concurrent handlers share the client.
func NewHandler(client *icap.Client, st *store.Store, m *metrics.Metrics, log zerolog.Logger, cfg Config) *Handler {
	if cfg.CompareIdentical {
		client.SetCompareVerifyIdenticalContent(true)
	}
	return &Handler{
		client:         client,
		store:          st,
		metrics:        m,
		log:            log.With().Str("component", "gateway").Logger(),
		requestSource:  cfg.RequestSource,
		connectTimeout: cfg.ConnectTimeout,
		readTimeout:    cfg.ReadTimeout,
	}
}

// New builds a ready-to-serve Echo instance wired with h's routes, request
// logging, recovery, and a body-size limit.
func New(h *Handler, bodyMaxBytes int64, metricsPath string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.IdleTimeout = 120 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))
	e.Use(h.requestLogger())
	e.Use(echomw.BodyLimit(strconv.FormatInt(bodyMaxBytes, 10) + "B"))

	e.GET("/healthz", h.Healthz)
	e.POST("/v1/validate", h.Validate)
	if metricsPath != "" {
		e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{})))
	}

	return e
}

func (h *Handler) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			req, res := c.Request(), c.Response()
			h.log.Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", res.Status).
				Dur("duration", time.Since(start)).
				Str("request_id", res.Header().Get(echo.HeaderXRequestID)).
				Msg("request")
			if h.metrics != nil {
				h.metrics.GatewayRequestsTotal.WithLabelValues(req.URL.Path, strconv.Itoa(res.Status)).Inc()
				h.metrics.GatewayRequestDuration.WithLabelValues(req.URL.Path).Observe(time.Since(start).Seconds())
			}
			return err
		}
	}
}

// Healthz returns a simple OK response for liveness probes.
func (h *Handler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Validate accepts a multipart-form upload under field "file", adapts it
// against the configured ICAP service, and reports the verdict.
//
// Query params: mode=REQMOD|RESPMOD|FILEMOD (default RESPMOD).
func (h *Handler) Validate(c echo.Context) error {
	mode, ok := icap.ParseMode(c.QueryParam("mode"))
	if c.QueryParam("mode") == "" {
		mode, ok = icap.RESPMOD, true
	}
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "mode must be REQMOD, RESPMOD, or FILEMOD"})
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "multipart field \"file\" is required"})
	}
	f, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not open uploaded file"})
	}
	defer f.Close()

	resource := icap.Resource{Name: fh.Filename, Length: fh.Size, Body: f}
	ri := icap.RequestInformation{
		RequestSource:  h.requestSource,
		ConnectTimeout: h.connectTimeout,
		ReadTimeout:    h.readTimeout,
	}

	start := time.Now()
	headers, verr := h.client.ValidateWithRequestInformation(c.Request().Context(), mode, ri, resource)
	duration := time.Since(start)

	outcome, status, body := h.classify(headers, verr)
	if h.metrics != nil {
		h.metrics.Observe(mode.String(), outcome, duration.Seconds())
	}
	if h.store != nil {
		_ = h.store.Append(start, mode.String(), fh.Filename, string(outcome), body.explanation(), duration, headers)
	}

	return c.JSON(status, body)
}

type validateResponse struct {
	Verdict     string            `json:"verdict"`
	Explanation string            `json:"explanation,omitempty"`
	Error       string            `json:"error,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

func (r validateResponse) explanation() string { return r.Explanation }

func (h *Handler) classify(headers *icap.HeaderInformation, err error) (metrics.Outcome, int, validateResponse) {
	if err == nil {
		return metrics.OutcomeClean, http.StatusOK, validateResponse{Verdict: "clean", Headers: flatten(headers)}
	}

	var blocked *icap.ContentBlockedError
	if errors.As(err, &blocked) {
		outcome := metrics.OutcomeThreatFound
		if blocked.Verdict == icap.VerdictNotIdentical {
			outcome = metrics.OutcomeNotIdentical
		}
		return outcome, http.StatusForbidden, validateResponse{
			Verdict:     blocked.Verdict.String(),
			Explanation: blocked.Explanation,
			Headers:     flatten(blocked.Headers),
		}
	}

	var unknown *icap.UnknownResponseError
	if errors.As(err, &unknown) {
		return metrics.OutcomeUnknown, http.StatusBadGateway, validateResponse{
			Verdict: "unknown", Error: err.Error(), Headers: flatten(unknown.Headers),
		}
	}

	var invalid *icap.InvalidInputError
	if errors.As(err, &invalid) {
		return metrics.OutcomeError, http.StatusBadRequest, validateResponse{Error: err.Error()}
	}

	return metrics.OutcomeError, http.StatusBadGateway, validateResponse{Error: err.Error()}
}

func flatten(headers *icap.HeaderInformation) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers.Names()))
	for _, name := range headers.Names() {
		out[name] = headers.Get(name)
	}
	return out
}
