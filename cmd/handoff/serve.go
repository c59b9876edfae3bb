package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/handoff-labs/handoff/pkg/agentcard"
	"github.com/handoff-labs/handoff/pkg/api"
	"github.com/handoff-labs/handoff/pkg/archive"
	"github.com/handoff-labs/handoff/pkg/audit"
	"github.com/handoff-labs/handoff/pkg/config"
	"github.com/handoff-labs/handoff/pkg/dispatch"
	"github.com/handoff-labs/handoff/pkg/exchange"
	"github.com/handoff-labs/handoff/pkg/issuer"
	"github.com/handoff-labs/handoff/pkg/observability"
	"github.com/handoff-labs/handoff/pkg/policy"
	"github.com/handoff-labs/handoff/pkg/session"
	"github.com/handoff-labs/handoff/pkg/token"

	_ "github.com/lib/pq" // postgres driver for the session archive
)

// keyRotateInterval is how often the embedded keyset rolls its signing
// key. Old keys stay verifiable until they age out of the set.
const keyRotateInterval = 6 * time.Hour

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		addr         string
		policyFile   string
		settingsFile string
		keyFile      string
	)
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides HANDOFF_ADDR)")
	cmd.StringVar(&policyFile, "policy", "", "Delegation rules file (overrides HANDOFF_POLICY_FILE)")
	cmd.StringVar(&settingsFile, "settings", "", "Settings file (overrides HANDOFF_SETTINGS_FILE)")
	cmd.StringVar(&keyFile, "key", "", "Signing seed file from 'handoff keygen'")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if addr != "" {
		cfg.Addr = addr
	}
	if policyFile != "" {
		cfg.PolicyFile = policyFile
	}
	if settingsFile != "" {
		cfg.SettingsFile = settingsFile
	}

	logger := newLogger(stderr, cfg.LogLevel)

	settings, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		logger.Warn("settings file not found, using defaults", "path", cfg.SettingsFile)
		settings = config.DefaultSettings()
	}

	rules, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.TracingEnabled
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: observability init: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	keys, err := loadKeySet(keyFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if keyFile == "" {
		logger.Warn("no -key file given, using an ephemeral signing key; tokens will not survive a restart")
	}
	codec := token.NewCodec(keys, token.CodecConfig{
		Issuer:        settings.Issuer.Name,
		MaxChainDepth: settings.Exchange.MaxChainDepth,
	})

	var iss issuer.Issuer
	switch settings.Issuer.Mode {
	case config.IssuerModeRemote:
		iss, err = issuer.NewRemote(issuer.RemoteConfig{
			TokenURL:     settings.Issuer.TokenURL,
			ClientID:     settings.Issuer.ClientID,
			ClientSecret: settings.Issuer.ClientSecret(),
		})
		if err != nil {
			fmt.Fprintf(stderr, "Error: remote issuer: %v\n", err)
			return 1
		}
	default:
		iss = issuer.NewLocal(codec)
	}

	var store session.Store
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fmt.Fprintf(stderr, "Error: REDIS_URL: %v\n", err)
			return 1
		}
		store = session.NewRedisStoreWithClient(redis.NewClient(opts), settings.Sessions.IdleTTL())
		logger.Info("session store: redis", "addr", opts.Addr)
	}

	auditor := audit.NewLoggerWithWriter(stdout)

	archiver, closeArchiver, err := buildArchiver(ctx, cfg, settings, auditor, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeArchiver()

	tracker := session.NewTracker(session.TrackerConfig{
		Store:    store,
		Archiver: archiver,
		Logger:   logger.With("component", "session"),
		IdleTTL:  settings.Sessions.IdleTTL(),
	})
	go tracker.Run(ctx, time.Minute)

	var engineLimiter *exchange.CallerLimiter
	var httpLimiter *exchange.CallerLimiter
	if settings.Exchange.RatePerSecond > 0 {
		engineLimiter, err = exchange.NewCallerLimiter(settings.Exchange.RatePerSecond, settings.Exchange.RateBurst, 0)
		if err == nil {
			httpLimiter, err = exchange.NewCallerLimiter(settings.Exchange.RatePerSecond, settings.Exchange.RateBurst, 0)
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error: rate limiter: %v\n", err)
			return 1
		}
	}

	engine, err := exchange.New(exchange.Config{
		Verifier:      codec,
		Policy:        rules,
		Issuer:        iss,
		SelfID:        settings.SelfID,
		Sessions:      tracker,
		Audit:         auditor,
		Metrics:       obs,
		Limiter:       engineLimiter,
		Logger:        logger.With("component", "exchange"),
		TTL:           settings.Exchange.TokenTTL(),
		MaxChainDepth: settings.Exchange.MaxChainDepth,
		MaxAttempts:   settings.Exchange.MaxAttempts,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Outbound dispatch only exists when the settings name downstream
	// agents; without a directory there is nothing to route to.
	var tasks *dispatch.Machine
	if len(settings.Agents) > 0 {
		directory := make(map[string]string, len(settings.Agents))
		for name, ep := range settings.Agents {
			directory[name] = ep.URL
		}
		router := dispatch.NewRouter(dispatch.RouterConfig{
			Agents: directory,
			Cards:  agentcard.NewClient(agentcard.ClientConfig{}),
		})
		tasks, err = dispatch.New(dispatch.Config{
			Exchanger: engine,
			Resolver:  router,
			Audit:     auditor,
			Metrics:   obs,
			Logger:    logger.With("component", "dispatch"),
		})
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		logger.Info("task dispatch enabled", "agents", len(directory))
	}

	server, err := api.NewServer(api.Config{
		Engine:  engine,
		Card:    serviceCard(cfg, settings),
		Tasks:   tasks,
		Limiter: httpLimiter,
		Logger:  logger.With("component", "api"),
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Roll the embedded signing key so a leaked token key has a bounded
	// useful life. Only meaningful for the local issuer.
	if settings.Issuer.Mode == config.IssuerModeLocal {
		go rotateKeys(ctx, keys, auditor, logger)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	fmt.Fprintf(stdout, "%shandoff listening on %s%s\n", colorBold+colorGreen, cfg.Addr, colorReset)
	logger.Info("ready",
		"addr", cfg.Addr,
		"self_id", settings.SelfID,
		"issuer_mode", settings.Issuer.Mode,
		"rules", rules.Len(),
	)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "Error: server: %v\n", err)
			return 1
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	if tasks != nil {
		if err := tasks.Close(); err != nil {
			logger.Warn("dispatch shutdown incomplete", "error", err)
		}
	}
	return 0
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// keyFileDoc is what keygen writes and -key reads.
type keyFileDoc struct {
	KID       string `json:"kid"`
	PublicKey string `json:"public_key"`
	Seed      string `json:"seed"`
}

// loadKeySet builds the signing keyset: deterministic from a seed file,
// or a fresh random key when no file is given.
func loadKeySet(path string) (*token.InMemoryKeySet, error) {
	if path == "" {
		return token.NewInMemoryKeySet()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("key file: %w", err)
	}
	var doc keyFileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("key file %q: %w", path, err)
	}
	seed, err := base64.StdEncoding.DecodeString(doc.Seed)
	if err != nil {
		return nil, fmt.Errorf("key file %q: seed: %w", path, err)
	}
	return token.NewInMemoryKeySetFromSeed(doc.KID, seed)
}

func rotateKeys(ctx context.Context, keys *token.InMemoryKeySet, auditor audit.Logger, logger *slog.Logger) {
	ticker := time.NewTicker(keyRotateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := keys.Rotate(); err != nil {
				logger.Error("key rotation failed", "error", err)
				continue
			}
			logger.Info("signing key rotated")
			_ = auditor.Record(ctx, audit.Event{Type: audit.EventKeyRotated})
		}
	}
}

// buildArchiver assembles where ended sessions go: a SQL archive from
// the settings file, a blob store from ARCHIVE_BACKEND, both, or
// neither. The returned closer shuts down any opened connections.
func buildArchiver(ctx context.Context, cfg *config.Config, settings *config.Settings, auditor audit.Logger, logger *slog.Logger) (session.Archiver, func(), error) {
	var parts session.MultiArchiver
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	switch settings.Sessions.ArchiveDriver {
	case "sqlite":
		db, err := sql.Open("sqlite", settings.Sessions.ArchiveDSN)
		if err != nil {
			return nil, closeAll, fmt.Errorf("sqlite archive: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		arch, err := session.NewSQLiteArchive(db)
		if err != nil {
			return nil, closeAll, fmt.Errorf("sqlite archive: %w", err)
		}
		parts = append(parts, arch)
		logger.Info("session archive: sqlite", "dsn", settings.Sessions.ArchiveDSN)
	case "postgres":
		db, err := sql.Open("postgres", settings.Sessions.ArchiveDSN)
		if err != nil {
			return nil, closeAll, fmt.Errorf("postgres archive: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, closeAll, fmt.Errorf("postgres archive: %w", err)
		}
		arch := session.NewPostgresArchive(db)
		if err := arch.Migrate(ctx); err != nil {
			return nil, closeAll, fmt.Errorf("postgres archive: %w", err)
		}
		parts = append(parts, arch)
		logger.Info("session archive: postgres")
	}

	if cfg.ArchiveBackend != "" {
		blobs, err := archive.NewStoreFromEnv(ctx)
		if err != nil {
			return nil, closeAll, fmt.Errorf("archive backend: %w", err)
		}
		parts = append(parts, &session.BlobArchiver{
			Sink: blobs,
			OnStored: func(sessionID, digest string) {
				logger.Info("session bundle archived", "session_id", sessionID, "digest", digest)
				_ = auditor.Record(ctx, audit.Event{
					Type:      audit.EventSessionArchived,
					SessionID: sessionID,
					Metadata:  map[string]any{"digest": digest},
				})
			},
		})
		logger.Info("session archive: blobs", "backend", cfg.ArchiveBackend)
	}

	if len(parts) == 0 {
		return nil, closeAll, nil
	}
	return parts, closeAll, nil
}

// serviceCard is the discovery document this service publishes about
// itself. Downstream agents from the settings file show up as
// delegation skills.
func serviceCard(cfg *config.Config, settings *config.Settings) *agentcard.Card {
	card := &agentcard.Card{
		Name:        "handoff",
		Description: "Delegation token exchange for multi-agent workflows.",
		URL:         publicURL(cfg.Addr),
		Version:     version,
		Skills: []agentcard.Skill{
			{
				ID:          "token_exchange",
				Name:        "Exchange delegation tokens",
				Description: "RFC 8693 token exchange with nested actor chains and scope downscoping.",
				Tags:        []string{"oauth2", "delegation"},
			},
		},
	}
	names := make([]string, 0, len(settings.Agents))
	for name := range settings.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ep := settings.Agents[name]
		card.Skills = append(card.Skills, agentcard.Skill{
			ID:          "delegate_" + name,
			Name:        "Delegate to " + name,
			Description: "Dispatch work to " + ep.URL + " with a downscoped token.",
			Tags:        ep.Scopes,
		})
	}
	return card
}

func publicURL(addr string) string {
	if u := os.Getenv("HANDOFF_PUBLIC_URL"); u != "" {
		return u
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
