// Package main is the entry point for the tessella server.
//
// tessella is a multi-tenant content-object server: requests traverse
// a persistent object tree, run inside an isolated transaction, and
// commit with optimistic concurrency control. Configuration is read
// from CLI flags and config.yaml in the data directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/tessella/tessella/internal/api"
	"github.com/tessella/tessella/internal/auth"
	"github.com/tessella/tessella/internal/config"
	"github.com/tessella/tessella/internal/content"
	"github.com/tessella/tessella/internal/db"
	"github.com/tessella/tessella/internal/db/badgerdb"
	"github.com/tessella/tessella/internal/db/cache"
	"github.com/tessella/tessella/internal/db/memory"
	"github.com/tessella/tessella/internal/events"
	"github.com/tessella/tessella/internal/registry"
	"github.com/tessella/tessella/internal/server"
	"github.com/tessella/tessella/internal/server/ratelimit"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "tessellad: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	httpAddr := flag.String("http", "", "Address to listen on; overrides config addr")
	dataDir := flag.String("data-dir", "./data", "Data directory")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides config")
	setRootPassword := flag.String("set-root-password", "", "Hash and store the root password, then exit")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}
	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	setupLogging(ll)

	cfg, err := config.Load(*dataDir)
	if err != nil {
		return err
	}
	if *setRootPassword != "" {
		hash, herr := auth.HashPassword(*setRootPassword)
		if herr != nil {
			return herr
		}
		cfg.RootPasswordHash = string(hash)
		if serr := cfg.Save(*dataDir); serr != nil {
			return serr
		}
		fmt.Println("root password updated")
		return nil
	}

	addr := cfg.Addr
	if *httpAddr != "" {
		addr = *httpAddr
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	if err := applyLogLevel(ll, level); err != nil {
		return err
	}
	// Log level follows live edits of the config file.
	if err := watchConfig(ctx, *dataDir, ll); err != nil {
		slog.WarnContext(ctx, "Config watching disabled", "err", err)
	}

	cacheStore, closeCache, err := buildCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	app := content.NewApplication()
	var shutdowns []func() error
	defer func() {
		for _, fn := range shutdowns {
			if err := fn(); err != nil {
				slog.Error("Storage shutdown failed", "err", err)
			}
		}
	}()
	for _, dc := range cfg.Databases {
		storage, closer, err := openStorage(cfg, dc)
		if err != nil {
			return fmt.Errorf("database %s: %w", dc.Name, err)
		}
		if closer != nil {
			shutdowns = append(shutdowns, closer)
		}
		mgr := db.NewManager(storage, content.Codec(), dc.Name, cacheStore)
		app.AddDatabase(content.NewDatabase(dc.Name, mgr))
		slog.InfoContext(ctx, "Mounted database", "name", dc.Name, "driver", dc.Driver)
	}

	authn := auth.New(cfg.JWTSecret, []byte(cfg.RootPasswordHash))
	components := registry.New()
	api.Register(components, authn)
	bus := events.NewBus()

	var cors *server.CORSPolicy
	if cfg.CORS.Enabled {
		cors = corsFromConfig(cfg.CORS)
	}
	router := server.NewRouter(app, components, bus, authn, cors)

	rl := cfg.RateLimits
	limits := ratelimit.NewConfig(rl.LoginPerMin, rl.WritePerMin, rl.ReadAuthPerMin, rl.ReadUnauthPerMin)
	defer limits.Close()
	handler := ratelimit.Middleware(limits, func(r *http.Request) string {
		if u := authn.Authenticate(r.Context(), r); u != nil {
			return u.ID
		}
		return ""
	}, router)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/", handler)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "Starting server", "addr", addr, "databases", app.Databases())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Server stopped")
	return nil
}

// setupLogging installs the tinted handler. Timestamps are dropped
// under systemd, which adds its own.
func setupLogging(ll *slog.LevelVar) {
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			switch t := a.Value.Any().(type) {
			case string:
				if t == "" {
					return slog.Attr{}
				}
			case nil:
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)
}

func applyLogLevel(ll *slog.LevelVar, level string) error {
	switch level {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "", "info":
		ll.Set(slog.LevelInfo)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", level)
	}
	return nil
}

// watchConfig reloads the log level when config.yaml changes.
func watchConfig(ctx context.Context, dataDir string, ll *slog.LevelVar) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(config.Path(dataDir))); err != nil {
		_ = w.Close()
		return err
	}
	target := filepath.Base(config.Path(dataDir))
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target || !event.Has(fsnotify.Write) {
					continue
				}
				cfg, err := config.Load(dataDir)
				if err != nil {
					slog.WarnContext(ctx, "Ignoring invalid config change", "err", err)
					continue
				}
				if err := applyLogLevel(ll, cfg.LogLevel); err != nil {
					slog.WarnContext(ctx, "Ignoring invalid log level", "err", err)
					continue
				}
				slog.InfoContext(ctx, "Reloaded log level", "level", cfg.LogLevel)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Config watcher error", "err", err)
			}
		}
	}()
	return nil
}

// buildCache assembles the configured cache layers: in-process always,
// Redis on top when configured.
func buildCache(ctx context.Context, cfg *config.Config) (cache.Store, func(), error) {
	if !cfg.Cache.Enabled {
		return nil, func() {}, nil
	}
	maxEntries := cfg.Cache.MaxEntries
	if maxEntries <= 0 {
		maxEntries = cache.DefaultMaxEntries
	}
	local := cache.NewMemory(maxEntries)
	if cfg.Cache.RedisAddr == "" {
		return local, func() {}, nil
	}
	opts := cache.DefaultRedisOptions()
	opts.Address = cfg.Cache.RedisAddr
	opts.Password = cfg.Cache.RedisPassword
	opts.DB = cfg.Cache.RedisDB
	if cfg.Cache.Prefix != "" {
		opts.Prefix = cfg.Cache.Prefix
	}
	remote, err := cache.NewRedis(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	layered := cache.NewLayered(local, remote)
	return layered, func() {
		if err := layered.Close(context.Background()); err != nil {
			slog.Error("Cache close failed", "err", err)
		}
	}, nil
}

// openStorage opens one database backend and seeds its root object.
func openStorage(cfg *config.Config, dc config.DatabaseConfig) (db.Storage, func() error, error) {
	switch dc.Driver {
	case "memory":
		return memory.New(), nil, nil
	case "badger":
		dir := cfg.DatabasePath(dc)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, nil, err
		}
		s, err := badgerdb.Open(dir)
		if err != nil {
			return nil, nil, err
		}
		rec, err := rootRecord()
		if err != nil {
			_ = s.Shutdown()
			return nil, nil, err
		}
		if err := s.Bootstrap(rec); err != nil {
			_ = s.Shutdown()
			return nil, nil, err
		}
		return s, s.Shutdown, nil
	}
	return nil, nil, fmt.Errorf("unknown driver %q", dc.Driver)
}

// rootRecord encodes the seed root object for a fresh database.
func rootRecord() (db.Record, error) {
	root := &content.Root{Base: content.NewBase("Root", "")}
	root.SetUUID(db.RootID)
	codec := content.Codec()
	return codec.Encode(root)
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("tessellad %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}

// corsFromConfig maps the config stanza onto the router's policy,
// keeping the defaults for anything left unset.
func corsFromConfig(c config.CORSConfig) *server.CORSPolicy {
	policy := server.DefaultCORSPolicy()
	if len(c.AllowOrigins) > 0 {
		policy.AllowOrigins = c.AllowOrigins
	}
	if len(c.AllowMethods) > 0 {
		policy.AllowMethods = c.AllowMethods
	}
	if len(c.AllowHeaders) > 0 {
		policy.AllowHeaders = c.AllowHeaders
	}
	if len(c.ExposeHeaders) > 0 {
		policy.ExposeHeaders = c.ExposeHeaders
	}
	policy.AllowCredentials = c.AllowCredentials
	if c.MaxAge > 0 {
		policy.MaxAge = c.MaxAge
	}
	return policy
}
