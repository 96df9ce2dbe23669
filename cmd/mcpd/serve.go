package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bpowers/mcpd/internal/config"
	"github.com/bpowers/mcpd/session"
)

// serveFlags maps serve's flags to the config keys they override.
var serveFlags = map[string]string{
	"addr":            "addr",
	"path":            "path",
	"response-mode":   "response-mode",
	"workers":         "workers",
	"fs-root":         "tools.fs-root",
	"fs-writable":     "tools.fs-writable",
	"journal":         "journal.driver",
	"journal-dsn":     "journal.dsn",
	"allowed-origins": "cors.allowed-origins",
}

func newServeCommand(root *rootOptions) *cobra.Command {
	var stdio bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over Streamable HTTP, or stdio with --stdio",
		Example: `  mcpd serve --addr :8080
  mcpd serve --response-mode stream --journal sqlite --journal-dsn ./journal.db
  mcpd serve --stdio --fs-root ./docs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(cmd, serveFlags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if stdio {
				return serveStdio(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return serveHTTP(ctx, cfg, nil)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&stdio, "stdio", false, "speak newline-delimited JSON-RPC on stdin and stdout")
	f.String("addr", "", "listen address")
	f.String("path", "", "MCP endpoint path")
	f.String("response-mode", "", "json answers requests inline; stream answers on the event stream")
	f.Int("workers", 0, "concurrent blocking tool calls")
	f.String("fs-root", "", "expose this directory through the fs.* tools")
	f.Bool("fs-writable", false, "allow fs.write_file under --fs-root")
	f.String("journal", "", "journal driver: none, memory, sqlite or redis")
	f.String("journal-dsn", "", "sqlite file or redis address")
	f.StringSlice("allowed-origins", nil, "CORS origins allowed to call the endpoint")
	return cmd
}

func serveStdio(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) (err error) {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	opts := append(a.sessionOptions(), session.WithIdleTimeout(0))
	return a.server.Serve(ctx, in, out, opts...)
}

// serveHTTP runs until ctx is done, then drains sessions and stops the
// listener. ready, when non-nil, receives the bound address.
func serveHTTP(ctx context.Context, cfg *config.Config, ready chan<- net.Addr) (err error) {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	h, err := a.handler()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.log.Info("serving", "addr", ln.Addr().String(), "path", cfg.Path, "response_mode", cfg.ResponseMode)
	if ready != nil {
		ready <- ln.Addr()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.sessions.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(a, srv, cfg.ShutdownTimeout)
	})
	return g.Wait()
}

// shutdown stops taking sessions, lets in-flight requests finish, then
// stops the HTTP server. Open event streams end as their sessions close.
func shutdown(a *app, srv *http.Server, timeout time.Duration) error {
	a.log.Info("shutting down", "sessions", a.sessions.Len())
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var result *multierror.Error
	if err := a.sessions.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("drain sessions: %w", err))
	}
	if err := srv.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop http server: %w", err))
	}
	return result.ErrorOrNil()
}
