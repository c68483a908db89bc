package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/estop/pkg/api"
	"github.com/Mindburn-Labs/estop/pkg/audit"
	"github.com/Mindburn-Labs/estop/pkg/auth"
	"github.com/Mindburn-Labs/estop/pkg/brake"
	"github.com/Mindburn-Labs/estop/pkg/config"
	"github.com/Mindburn-Labs/estop/pkg/observability"
	"github.com/Mindburn-Labs/estop/pkg/policy"
	"github.com/Mindburn-Labs/estop/pkg/registry"

	_ "github.com/lib/pq"  // Postgres Driver
	_ "modernc.org/sqlite" // SQLite Driver
)

const (
	// Rate limit for the whole API surface, keyed per account.
	apiRPM   = 300
	apiBurst = 50

	// idempotencyTTL bounds how long a cached mutation response replays.
	idempotencyTTL = 24 * time.Hour

	shutdownTimeout = 10 * time.Second
)

func newLogger(level string) *slog.Logger {
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
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

//nolint:gocognit,gocyclo
func runServer() {
	fmt.Fprintf(os.Stdout, "%sestop starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx := context.Background()

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// 1. Policy: role membership and staging guards. A bad policy must not
	// serve.
	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("Failed to load policy: %v", err)
	}
	guards, err := pol.GuardSet()
	if err != nil {
		log.Fatalf("Failed to compile guards: %v", err)
	}
	serviceAccount, err := uuid.Parse(cfg.ServiceAccount)
	if err != nil || serviceAccount == uuid.Nil {
		log.Fatalf("SERVICE_ACCOUNT must be a non-nil account UUID")
	}
	log.Printf("[estop] policy %s: %d planners, %d executors, %d guards",
		pol.Version, len(pol.Planners), len(pol.Executors), len(pol.Guards))

	// 2. Registry backend.
	var (
		reg registry.Registry
		db  *sql.DB
	)
	if cfg.DatabaseURL == "" {
		fmt.Fprintf(os.Stdout, "DATABASE_URL not set. Falling back to the %sin-memory registry%s.\n",
			ColorBold+ColorCyan, ColorReset)
		reg = registry.NewInMemoryRegistry()
	} else {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to registry DB: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("Registry DB ping failed: %v", err)
		}
		pg := registry.NewPostgresRegistry(db)
		if err := pg.Init(ctx); err != nil {
			log.Fatalf("Failed to init registry: %v", err)
		}
		reg = pg
		log.Println("[estop] postgres registry: connected")
	}

	// 3. Journal. SQLite persists the chain across restarts; the in-memory
	// journal is for development.
	var (
		journal  api.Journal
		recorder audit.Recorder
	)
	if cfg.JournalPath != "" {
		jdb, err := sql.Open("sqlite", cfg.JournalPath)
		if err != nil {
			log.Fatalf("Failed to open journal: %v", err)
		}
		jdb.SetMaxOpenConns(1)
		sj, err := audit.NewSQLiteJournal(jdb)
		if err != nil {
			log.Fatalf("Failed to init journal: %v", err)
		}
		journal, recorder = sj, sj
		log.Printf("[estop] journal: %s (resumed at seq %d)", cfg.JournalPath, sj.Seq())
	} else {
		j := audit.NewJournal()
		journal, recorder = j, j
		log.Println("[estop] journal: in-memory")
	}

	// 4. Brake. The journal records first so its chain fields are assigned
	// before the operational log sees the event.
	b, err := brake.New(brake.Config{
		Account:   serviceAccount,
		Planners:  pol.Planners,
		Executors: pol.Executors,
		Registry:  reg,
		Recorder:  audit.MultiRecorder{recorder, audit.NewSlogRecorder(logger)},
		Guards:    guards,
	})
	if err != nil {
		log.Fatalf("Failed to construct brake: %v", err)
	}

	// 5. Telemetry (opt-in).
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.Insecure = true
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("Failed to init telemetry: %v", err)
	}

	// 6. HTTP surface. Authentication is mandatory; an unauthenticated brake
	// is an incident waiting to happen.
	if cfg.JWTSecret == "" {
		log.Fatalf("JWT_SECRET is required to serve")
	}
	validator, err := auth.NewValidator([]byte(cfg.JWTSecret))
	if err != nil {
		log.Fatalf("Failed to init token validator: %v", err)
	}

	srv, err := api.NewServer(api.Config{
		Brake:   b,
		Journal: journal,
		Logger:  logger,
		Tracker: obs,
	})
	if err != nil {
		log.Fatalf("Failed to construct API server: %v", err)
	}

	var limiter api.LimiterStore
	if cfg.RedisAddr != "" {
		limiter = api.NewRedisLimiterStore(cfg.RedisAddr, "", 0)
		log.Println("[estop] rate limiter: redis")
	} else {
		limiter = api.NewMemoryLimiterStore()
	}

	var idem api.IdempotencyStorer
	if db != nil {
		ps := api.NewPostgresIdempotencyStore(db, idempotencyTTL)
		if err := ps.Init(ctx); err != nil {
			log.Fatalf("Failed to init idempotency store: %v", err)
		}
		idem = ps
	} else {
		idem = api.NewIdempotencyStore(idempotencyTTL)
	}

	// Auth runs before the limiter so buckets key on accounts, not IPs.
	handler := srv.Routes()
	handler = api.IdempotencyMiddleware(idem)(handler)
	handler = api.RateLimitMiddleware(limiter, api.LimitPolicy{RPM: apiRPM, Burst: apiBurst})(handler)
	handler = auth.Middleware(validator)(handler)
	handler = api.LoggingMiddleware(logger)(handler)
	handler = auth.CORSMiddleware(nil)(handler)
	handler = auth.RequestIDMiddleware(handler)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("[estop] ready: %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	log.Println("[estop] press ctrl+c to stop")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[estop] shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[estop] http shutdown error: %v", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Printf("[estop] telemetry shutdown error: %v", err)
	}
	if db != nil {
		_ = db.Close()
	}
}
