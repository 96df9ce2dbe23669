package main

import (
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bpowers/mcpd/examples/fstools"
	"github.com/bpowers/mcpd/examples/mathtools"
	"github.com/bpowers/mcpd/internal/config"
	"github.com/bpowers/mcpd/internal/logging"
	"github.com/bpowers/mcpd/internal/metrics"
	"github.com/bpowers/mcpd/mcp"
	"github.com/bpowers/mcpd/persistence"
	"github.com/bpowers/mcpd/persistence/redisstore"
	"github.com/bpowers/mcpd/persistence/sqlitestore"
	"github.com/bpowers/mcpd/session"
	"github.com/bpowers/mcpd/streamable"
)

// app is the composed server. Every dependency is built here and passed
// down explicitly.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	journal  persistence.Store
	dir      *fstools.Dir
	tools    *mcp.Registry
	server   *mcp.Server
	sessions *session.Registry
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, log: logging.Logger()}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.New(reg)
		a.gatherer = reg
	}

	journal, err := openJournal(cfg.Journal)
	if err != nil {
		return nil, err
	}
	a.journal = journal

	a.tools = mcp.NewRegistry()
	if err := mathtools.Register(a.tools); err != nil {
		a.release()
		return nil, fmt.Errorf("register math tools: %w", err)
	}
	if root := cfg.Tools.FSRoot; root != "" {
		a.dir, err = fstools.NewDir(root)
		if err != nil {
			a.release()
			return nil, fmt.Errorf("open fs root: %w", err)
		}
		var fsys fs.FS = a.dir.FS
		if cfg.Tools.FSWritable {
			fsys = a.dir
		}
		if err := fstools.Register(a.tools, fsys); err != nil {
			a.release()
			return nil, fmt.Errorf("register fs tools: %w", err)
		}
		a.log.Info("exposing directory", "root", root, "writable", cfg.Tools.FSWritable)
	}

	a.server, err = mcp.NewServer(a.tools,
		mcp.Implementation{Name: "mcpd", Title: "mcpd", Version: version},
		mcp.WithInstructions(cfg.Instructions),
		mcp.WithLogger(a.log),
		mcp.WithMetrics(a.metrics),
		mcp.WithWorkers(cfg.Workers),
	)
	if err != nil {
		a.release()
		return nil, err
	}

	a.sessions = session.NewRegistry(a.sessionOptions()...)
	return a, nil
}

func (a *app) sessionOptions() []session.Option {
	cfg := a.cfg.Session
	opts := []session.Option{
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
		session.WithIdleTimeout(cfg.IdleTimeout),
		session.WithGracePeriod(cfg.GracePeriod),
		session.WithCallTimeout(cfg.CallTimeout),
		session.WithQueueSize(cfg.QueueSize),
		session.WithMaxSessions(cfg.MaxSessions),
		session.WithRetention(a.cfg.Stream.Retention),
	}
	if a.journal != nil {
		opts = append(opts, session.WithJournal(a.journal))
	}
	return opts
}

// handler returns the HTTP surface: the MCP endpoint, /healthz and, when
// enabled, the metrics endpoint.
func (a *app) handler() (http.Handler, error) {
	mode, err := streamable.ParseMode(a.cfg.ResponseMode)
	if err != nil {
		return nil, err
	}
	h, err := streamable.New(a.server, a.sessions, streamable.Options{
		Path:           a.cfg.Path,
		Mode:           mode,
		MaxBodyBytes:   a.cfg.MaxBodyBytes,
		KeepAlive:      a.cfg.Stream.KeepAlive,
		RetryHint:      a.cfg.Stream.Retry,
		AllowedOrigins: a.cfg.CORS.AllowedOrigins,
		Logger:         a.log,
		Metrics:        a.metrics,
	})
	if err != nil {
		return nil, err
	}
	if a.gatherer != nil {
		h.Method(http.MethodGet, a.cfg.Metrics.Path, promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	return h, nil
}

// Close stops the tool pool and closes the journal. Sessions must already
// be shut down.
func (a *app) Close() error {
	a.server.Close()
	return a.release()
}

// release closes the journal and the fs root, whichever were opened.
func (a *app) release() error {
	var result *multierror.Error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close journal: %w", err))
		}
	}
	if a.dir != nil {
		if err := a.dir.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close fs root: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func openJournal(cfg config.JournalConfig) (persistence.Store, error) {
	switch cfg.Driver {
	case config.JournalNone, "":
		return nil, nil
	case config.JournalMemory:
		return persistence.NewMemoryStore(), nil
	case config.JournalSQLite:
		store, err := sqlitestore.New(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		return store, nil
	case config.JournalRedis:
		store, err := redisstore.Open(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open redis journal: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
}
