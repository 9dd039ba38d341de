// Command icap-client is the CLI entry point: construct a client from a
// configured remote ICAP service, validate one file or every file in a
// directory (rate-limited, concurrent), probe OPTIONS, or run the gateway
// HTTP front door.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"icap-client/icap"
	"icap-client/icap/connmgr"
	"icap-client/internal/config"
	"icap-client/internal/gateway"
	"icap-client/internal/logging"
	"icap-client/internal/metrics"
	"icap-client/internal/store"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("icap-client"),
		kong.Description("ICAP (RFC 3507) client for anti-malware and content-policy adaptation services."),
	)

	var exitErr error
	fx.New(
		fx.NopLogger,
		fx.Provide(
			func() *config.CLI { return &cli },
			config.Load,
			newLogger,
			newMetrics,
			newStore,
			newConnectionManager,
			newClient,
		),
		fx.Invoke(func(
			cfg *config.Config,
			log logging.ICAPAdapter,
			m *metrics.Metrics,
			st *store.Store,
			client *icap.Client,
			lc fx.Lifecycle,
			shutdowner fx.Shutdowner,
		) {
			command := kctx.Command()
			if !hasPrefix(command, "serve") {
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						go func() {
							exitErr = run(context.Background(), command, &cli, cfg, log, m, st, client)
							_ = shutdowner.Shutdown()
						}()
						return nil
					},
				})
				return
			}

			var srv *serveState
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					var err error
					srv, err = startServe(cfg, log, m, st, client)
					return err
				},
				OnStop: func(ctx context.Context) error {
					if srv == nil {
						return nil
					}
					return srv.echo.Shutdown(ctx)
				},
			})
		}),
	).Run()

	if exitErr != nil {
		fmt.Fprintln(os.Stderr, "icap-client:", exitErr)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) logging.ICAPAdapter {
	return logging.ICAPAdapter{L: logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Console:    cfg.Log.Console,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})}
}

func newMetrics() *metrics.Metrics {
	return metrics.New()
}

func newStore(cfg *config.Config) *store.Store {
	if !cfg.Audit.Enabled {
		return nil
	}
	st, err := store.Open(cfg.Audit.DSN)
	if err != nil {
		fmt.Fprintln(os.Stderr, "icap-client: audit store disabled:", err)
		return nil
	}
	return st
}

func newConnectionManager(cfg *config.Config) icap.ConnectionManager {
	return connmgr.New(cfg.Request.MaxConcurrent*4, nil)
}

func newClient(cfg *config.Config, connMgr icap.ConnectionManager, log logging.ICAPAdapter) *icap.Client {
	client := icap.New(connMgr, cfg.ServiceInformation(), icap.WithLogger(log))
	return client.SetCompareVerifyIdenticalContent(cfg.Request.CompareIdentical)
}

// run dispatches to the selected Kong subcommand. The "serve" command is
// handled separately in main, since it starts a long-running server rather
// than returning.
func run(ctx context.Context, command string, cli *config.CLI, cfg *config.Config, log logging.ICAPAdapter, m *metrics.Metrics, st *store.Store, client *icap.Client) error {
	switch {
	case hasPrefix(command, "options"):
		return runOptions(ctx, client)
	default:
		return runValidate(ctx, cli, cfg, client, st, m)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func runOptions(ctx context.Context, client *icap.Client) error {
	rcfg, err := client.Options(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("methods=%v preview=%d allow204=%v negotiated_at=%s\n",
		rcfg.SupportedMethods, rcfg.ServerPreview, rcfg.ServerAllow204, rcfg.NegotiatedAt.Format(time.RFC3339))
	return nil
}

// serveState holds the running gateway so OnStop can shut it down.
type serveState struct {
	echo *echo.Echo
}

func startServe(cfg *config.Config, log logging.ICAPAdapter, m *metrics.Metrics, st *store.Store, client *icap.Client) (*serveState, error) {
	h := gateway.NewHandler(client, st, m, log.L, gateway.Config{
		RequestSource:    cfg.Request.RequestSource,
		ConnectTimeout:   time.Duration(cfg.Request.ConnectTimeoutMS) * time.Millisecond,
		ReadTimeout:      time.Duration(cfg.Request.ReadTimeoutMS) * time.Millisecond,
		CompareIdentical: cfg.Request.CompareIdentical,
	})
	e := gateway.New(h, cfg.Gateway.BodyMaxBytes, metricsPathOrEmpty(cfg))

	addr := net.JoinHostPort(cfg.Gateway.Host, fmt.Sprint(cfg.Gateway.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	log.Infof("gateway listening on %s", addr)

	go func() {
		if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("gateway server error: %s", err.Error())
		}
	}()

	return &serveState{echo: e}, nil
}

func metricsPathOrEmpty(cfg *config.Config) string {
	if !cfg.Metrics.Enabled {
		return ""
	}
	return cfg.Metrics.Path
}

// runValidate submits cli.Validate.Path (a file or a directory of files)
// for adaptation under cli.Validate.Mode, recording each outcome in the
// audit store and metrics when those are enabled.
func runValidate(ctx context.Context, cli *config.CLI, cfg *config.Config, client *icap.Client, st *store.Store, m *metrics.Metrics) error {
	mode, ok := icap.ParseMode(cli.Validate.Mode)
	if !ok {
		return fmt.Errorf("unknown mode %q: want REQMOD, RESPMOD, or FILEMOD", cli.Validate.Mode)
	}

	ri := icap.RequestInformation{
		RequestSource:  cfg.Request.RequestSource,
		ConnectTimeout: time.Duration(cfg.Request.ConnectTimeoutMS) * time.Millisecond,
		ReadTimeout:    time.Duration(cfg.Request.ReadTimeoutMS) * time.Millisecond,
	}

	paths, err := targetPaths(cli.Validate.Path)
	if err != nil {
		return err
	}
	if len(paths) == 1 {
		return validateOne(ctx, client, mode, ri, paths[0], st, m)
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Request.MaxConcurrent), 1)
	errs := validateMany(ctx, client, mode, ri, paths, cfg.Request.MaxConcurrent, limiter, st, m)
	var failed int
	for i, err := range errs {
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %s\n", paths[i], err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d resources failed to validate", failed, len(paths))
	}
	return nil
}

// targetPaths expands path into the list of files to submit: itself if a
// regular file, or every regular file directly inside it if a directory.
func targetPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, filepath.Join(path, e.Name()))
	}
	return out, nil
}

// validateMany submits every path concurrently, bounded by both a worker
// count and a token-bucket rate limiter: golang.org/x/time/rate caps how
// fast new validate() calls start, while the goroutine pool caps how many
// run at once.
func validateMany(ctx context.Context, client *icap.Client, mode icap.Mode, ri icap.RequestInformation, paths []string, maxConcurrent int, limiter *rate.Limiter, st *store.Store, m *metrics.Metrics) []error {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)
	errs := make([]error, len(paths))
	var wg sync.WaitGroup

	for i, p := range paths {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := limiter.Wait(ctx); err != nil {
				errs[i] = err
				return
			}
			errs[i] = validateOne(ctx, client, mode, ri, p, st, m)
		}(i, p)
	}
	wg.Wait()
	return errs
}

func validateOne(ctx context.Context, client *icap.Client, mode icap.Mode, ri icap.RequestInformation, path string, st *store.Store, m *metrics.Metrics) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	resource := icap.Resource{Name: filepath.Base(path), Length: info.Size(), Body: f}
	start := time.Now()
	headers, err := client.ValidateWithRequestInformation(ctx, mode, ri, resource)
	duration := time.Since(start)

	outcome := metrics.OutcomeClean
	explanation := ""
	var blocked *icap.ContentBlockedError
	switch {
	case err == nil:
	case errors.As(err, &blocked):
		outcome = metrics.OutcomeThreatFound
		if blocked.Verdict == icap.VerdictNotIdentical {
			outcome = metrics.OutcomeNotIdentical
		}
		explanation = blocked.Explanation
		headers = blocked.Headers
	default:
		outcome = metrics.OutcomeError
		var unknown *icap.UnknownResponseError
		if errors.As(err, &unknown) {
			outcome = metrics.OutcomeUnknown
			headers = unknown.Headers
		}
	}

	if m != nil {
		m.Observe(mode.String(), outcome, duration.Seconds())
	}
	if st != nil {
		_ = st.Append(start, mode.String(), resource.Name, string(outcome), explanation, duration, headers)
	}

	if blocked != nil {
		fmt.Printf("%s: BLOCKED (%s): %s\n", path, blocked.Verdict, blocked.Explanation)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s: clean (status %d)\n", path, headers.Status)
	return nil
}
