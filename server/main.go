package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mailcrew-labs/mailcrew-go/internal/credentials"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/auditlog"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/auth"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/env"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/httpserver"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/objectstore"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/postgres"
	repopg "github.com/mailcrew-labs/mailcrew-go/internal/repo/postgres"
	"github.com/mailcrew-labs/mailcrew-go/internal/runs"
	"github.com/mailcrew-labs/mailcrew-go/internal/runtimeexec"
	"github.com/mailcrew-labs/mailcrew-go/internal/secretstore"
	"github.com/mailcrew-labs/mailcrew-go/internal/settings"
)

const serviceName = "mailcrew"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var addr, outputDir string
	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", env.String("HTTP_ADDR", ":8000"), "HTTP listen address")
	flagSet.StringVar(&outputDir, "output-dir", env.String("OUTPUT_DIR", "output"), "directory workers write reports into")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Error("invalid flags", "error", err)
		os.Exit(2)
	}
	outputDir, err := filepath.Abs(outputDir)
	if err != nil {
		logger.Error("invalid output dir", "error", err)
		os.Exit(2)
	}

	shutdownTimeout, err := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	runTimeout, err := env.Duration("RUN_TIMEOUT", 0)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	retention, err := env.Duration("RUNS_RETENTION", 0)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	if authCfg.Mode != auth.ModeDisabled && !dbCfg.Enabled() {
		logger.Error("invalid database config", "error", fmt.Sprintf("DATABASE_URL is required when AUTH_MODE=%s", authCfg.Mode))
		os.Exit(2)
	}
	fallback, err := credentials.DefaultFromEnv()
	if err != nil {
		logger.Error("invalid default credentials", "error", err)
		os.Exit(2)
	}

	var db *sql.DB
	checks := []httpserver.ReadinessCheck{}
	audit := auditlog.Recorder{Logger: logger}
	if dbCfg.Enabled() {
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		migrate, err := env.Bool("DATABASE_MIGRATE", true)
		if err != nil {
			logger.Error("invalid env", "error", err)
			os.Exit(2)
		}
		if migrate {
			if err := repopg.Migrate(db); err != nil {
				logger.Error("database migration failed", "error", err)
				os.Exit(1)
			}
		}
		audit.DB = db
		checks = append(checks, httpserver.ReadinessCheck{
			Name:  "postgres",
			Check: httpserver.WithTimeout(750*time.Millisecond, db.PingContext),
		})
	}

	// Per-user settings exist only when callers can carry an identity.
	var (
		settingsReader credentials.SettingsReader
		secretReader   credentials.SecretReader
		settingsSvc    settingsService
	)
	if authCfg.Mode != auth.ModeDisabled {
		userSettings := repopg.NewUserSettingsStore(db)
		secrets, check, err := buildSecretStore(ctx, userSettings)
		if err != nil {
			logger.Error("secret backend unavailable", "error", err)
			os.Exit(1)
		}
		if check != nil {
			checks = append(checks, *check)
		}
		svc, err := settings.NewService(logger, userSettings, secrets, audit)
		if err != nil {
			logger.Error("settings init failed", "error", err)
			os.Exit(1)
		}
		settingsReader, secretReader, settingsSvc = svc, secrets, svc
		logger.Info("secret backend ready", "backend", string(secrets.Backend()))
	}

	launcher, err := buildLauncher()
	if err != nil {
		logger.Error("invalid worker config", "error", err)
		os.Exit(2)
	}

	registry := runs.NewRegistry()
	manager, err := runs.NewManager(logger, registry, launcher, runs.ManagerConfig{
		OutputDir: outputDir,
		WorkRoot:  env.String("WORK_ROOT", ""),
		Timeout:   runTimeout,
	})
	if err != nil {
		logger.Error("run manager init failed", "error", err)
		os.Exit(1)
	}
	if retention > 0 {
		go sweepRuns(ctx, logger, registry, retention, sweepInterval(retention))
	}

	authenticator, err := buildAuthenticator(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", httpserver.Health())
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName, checks...))
	if oidcService, ok := authenticator.(*auth.OIDCService); ok {
		if err := registerLogin(mux, authCfg, oidcService); err != nil {
			logger.Error("auth login init failed", "error", err)
			os.Exit(1)
		}
	}

	api := &runAPI{
		logger:    logger,
		registry:  registry,
		runs:      manager,
		resolver:  credentials.NewResolver(settingsReader, secretReader, fallback),
		settings:  settingsSvc,
		audit:     audit,
		outputDir: outputDir,
	}
	api.register(mux)

	authMiddleware := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Optional:      true,
		SkipPrefixes:  []string{"/health", "/readyz", "/auth/"},
	}
	if db != nil {
		authMiddleware.Audit = func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, serviceName, event)
		}
	}

	cfg := httpserver.Config{
		Service:         serviceName,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  env.CSV("CORS_ALLOWED_ORIGINS", nil),
	}
	logger.Info("starting", "auth_mode", string(authCfg.Mode), "launcher", launcher.Kind(), "output_dir", outputDir, "database", db != nil)

	runErr := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, cfg, authMiddleware.Wrap(mux)))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("run manager shutdown incomplete", "error", err, "active", manager.ActiveCount())
	}
	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		logger.Error("server failed", "error", runErr)
		os.Exit(1)
	}
}

func buildSecretStore(ctx context.Context, sealed *repopg.UserSettingsStore) (secretstore.Store, *httpserver.ReadinessCheck, error) {
	cfg, err := secretstore.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	switch cfg.Backend {
	case secretstore.BackendEnvelope:
		keyring, err := secretstore.ParseAgeKeyring(cfg.KMSKeys, cfg.KMSCurrent)
		if err != nil {
			return nil, nil, err
		}
		store, err := secretstore.NewEnvelopeStore(keyring, sealed, nil)
		return store, nil, err
	default:
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			return nil, nil, err
		}
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			return nil, nil, err
		}
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := objectstore.EnsureBucket(initCtx, client, storeCfg.BucketSecrets, storeCfg.Region); err != nil {
			return nil, nil, err
		}
		objects, err := objectstore.NewMinioStore(client, storeCfg.BucketSecrets, storeCfg.ServerSideEncryption)
		if err != nil {
			return nil, nil, err
		}
		store, err := secretstore.NewManagedStore(objects)
		if err != nil {
			return nil, nil, err
		}
		check := &httpserver.ReadinessCheck{
			Name: "secrets",
			Check: httpserver.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
				return objectstore.CheckBucket(ctx, client, storeCfg.BucketSecrets)
			}),
		}
		return store, check, nil
	}
}

func buildLauncher() (runtimeexec.Launcher, error) {
	extra := passEnv(env.CSV("WORKER_PASS_ENV", nil))
	switch runtime := strings.ToLower(strings.TrimSpace(env.String("WORKER_RUNTIME", "process"))); runtime {
	case "process", "":
		command := strings.Fields(env.String("WORKER_COMMAND", "mailcrew-worker"))
		inherit := env.CSV("WORKER_INHERIT_ENV", nil)
		return runtimeexec.NewProcessLauncher(command, inherit, extra)
	case "docker":
		return runtimeexec.NewDockerLauncher(runtimeexec.DockerConfig{
			Bin:      env.String("DOCKER_BIN", "docker"),
			Image:    env.String("WORKER_IMAGE", ""),
			Network:  env.String("WORKER_DOCKER_NETWORK", ""),
			CPUs:     env.String("WORKER_DOCKER_CPUS", ""),
			Memory:   env.String("WORKER_DOCKER_MEMORY", ""),
			ExtraEnv: extra,
		})
	default:
		return nil, fmt.Errorf("WORKER_RUNTIME must be process or docker (got %q)", runtime)
	}
}

// passEnv snapshots the named host variables for every worker.
func passEnv(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			out[name] = v
		}
	}
	return out
}

func buildAuthenticator(ctx context.Context, cfg auth.Config) (auth.Authenticator, error) {
	switch cfg.Mode {
	case auth.ModeOIDC:
		// The provider keeps ctx for later key set refreshes.
		svc, err := auth.NewOIDCService(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return svc, nil
	case auth.ModeDev:
		return auth.NewDevAuthenticator(cfg), nil
	default:
		return nil, nil
	}
}

func registerLogin(mux *http.ServeMux, cfg auth.Config, oidcService *auth.OIDCService) error {
	mux.HandleFunc("/auth/logout", oidcService.LogoutHandler())
	if err := cfg.ValidateForLogin(); err != nil {
		mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
			httpserver.WriteJSON(w, http.StatusNotImplemented, map[string]any{"error": "login_not_configured"})
		})
		return nil
	}
	login, err := oidcService.LoginHandler()
	if err != nil {
		return err
	}
	callback, err := oidcService.CallbackHandler()
	if err != nil {
		return err
	}
	mux.HandleFunc("/auth/login", login)
	mux.HandleFunc("/auth/callback", callback)
	return nil
}
