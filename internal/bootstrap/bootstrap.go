package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"identity-server-go/internal/app/services"
	"identity-server-go/internal/domain/audit"
	"identity-server-go/internal/domain/credential"
	"identity-server-go/internal/domain/mfa"
	"identity-server-go/internal/domain/notify"
	"identity-server-go/internal/domain/otp"
	"identity-server-go/internal/domain/ratelimit"
	"identity-server-go/internal/domain/token"
	"identity-server-go/internal/domain/webauthn"
	platformconfig "identity-server-go/internal/platform/config"
	platformerrors "identity-server-go/internal/platform/errors"
	platformlogging "identity-server-go/internal/platform/logging"
	platformobservability "identity-server-go/internal/platform/observability"
	platformstorage "identity-server-go/internal/platform/storage"
	httptransport "identity-server-go/internal/transport/http"
)

type stepFn func(context.Context, *appState) error

type initStep struct {
	ID        string
	Title     string
	DependsOn []string
	Kind      platformerrors.Kind
	Execute   stepFn
}

type appState struct {
	config                *platformconfig.Config
	configPath            string
	logger                *platformlogging.Logger
	slogger               *slog.Logger
	observabilityShutdown platformobservability.ShutdownFunc
	db                    *gorm.DB
	redis                 *redis.Client
	trail                 *audit.Trail
	codes                 otp.Store
	challenges            webauthn.ChallengeStore
	limiter               ratelimit.Limiter
	dispatcher            *notify.Dispatcher
	service               *services.AuthService
}

// Run starts the whole service lifecycle: configuration, dependency
// initialisation, the HTTP server, and graceful shutdown on SIGINT/SIGTERM.
func Run(ctx context.Context) error {
	state := &appState{}

	steps := InitGraph()
	if err := executeInitSteps(ctx, steps, state); err != nil {
		return err
	}

	config := state.config
	logger := state.logger
	if config == nil || logger == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"bootstrap state validation",
			"config/logger not initialised",
		)
	}
	if state.service == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"bootstrap state validation",
			"auth service not initialised",
		)
	}

	logBootstrapGraph(steps, logger)

	if shutdown := state.observabilityShutdown; shutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("observability did not shut down cleanly: %v", err)
			}
		}()
	}
	defer closeState(state, logger)

	rootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalCtx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(rootCtx)

	if _, err := startHTTPServer(state, group, groupCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start http server: %w", err)
	}

	if err := waitForShutdown(signalCtx, cancel, logger, group); err != nil {
		return err
	}

	logger.Info("service stopped")
	logger.Close()
	return nil
}

func closeState(state *appState, logger *platformlogging.Logger) {
	if state.dispatcher != nil {
		state.dispatcher.Close()
	}
	if state.trail != nil {
		state.trail.Close()
	}
	if state.limiter != nil {
		if err := state.limiter.Close(context.Background()); err != nil {
			logger.Warn("rate limiter close: %v", err)
		}
	}
	if state.challenges != nil {
		if err := state.challenges.Close(context.Background()); err != nil {
			logger.Warn("challenge store close: %v", err)
		}
	}
	if state.codes != nil {
		if err := state.codes.Close(context.Background()); err != nil {
			logger.Warn("otp store close: %v", err)
		}
	}
	if state.redis != nil {
		if err := state.redis.Close(); err != nil {
			logger.Warn("redis close: %v", err)
		}
	}
}

func logBootstrapGraph(steps []initStep, logger *platformlogging.Logger) {
	if logger == nil {
		return
	}
	logger.Info("initialisation graph")
	for _, step := range steps {
		logger.Info("  %s: %s", step.ID, step.Title)
	}
}

func executeInitSteps(ctx context.Context, steps []initStep, state *appState) error {
	if state == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"execute init steps",
			"nil bootstrap state",
		)
	}

	completed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				return platformerrors.New(
					platformerrors.KindBootstrap,
					step.ID,
					fmt.Sprintf("dependency %s not satisfied", dep),
				)
			}
		}
		if step.Execute == nil {
			return platformerrors.New(
				platformerrors.KindBootstrap,
				step.ID,
				"missing execute function",
			)
		}
		if err := step.Execute(ctx, state); err != nil {
			var typed *platformerrors.Error
			if errors.As(err, &typed) {
				return err
			}

			kind := step.Kind
			if kind == "" {
				kind = platformerrors.KindBootstrap
			}
			return platformerrors.Wrap(kind, step.ID, "bootstrap step failed", err)
		}
		completed[step.ID] = struct{}{}
	}
	return nil
}

// InitGraph returns the ordered initialisation steps. Each step may depend on
// earlier ones; executeInitSteps enforces the ordering.
func InitGraph() []initStep {
	return []initStep{
		{
			ID:      "config:load",
			Title:   "Load configuration",
			Kind:    platformerrors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init-provider",
			Title:     "Initialise logging provider",
			DependsOn: []string{"config:load"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initLoggingStep,
		},
		{
			ID:        "observability:setup-hooks",
			Title:     "Setup observability hooks",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   setupObservabilityStep,
		},
		{
			ID:        "storage:open-database",
			Title:     "Open database and run migrations",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindStorage,
			Execute:   openDatabaseStep,
		},
		{
			ID:        "redis:connect",
			Title:     "Connect to redis when configured",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindStorage,
			Execute:   connectRedisStep,
		},
		{
			ID:        "domain:wire-services",
			Title:     "Wire domain services",
			DependsOn: []string{"storage:open-database", "redis:connect", "observability:setup-hooks"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   wireDomainStep,
		},
	}
}

func loadConfigStep(_ context.Context, state *appState) error {
	result, err := platformconfig.NewLoader().Load()
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindConfig, "config:load", "failed to load configuration", err)
	}
	state.config = result.Config
	state.configPath = result.Path
	return nil
}

func initLoggingStep(_ context.Context, state *appState) error {
	if state == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"logging:init-provider",
			"config not loaded",
		)
	}

	logger, err := platformlogging.New(platformlogging.Config{
		Level:    state.config.Log.Level,
		Dir:      state.config.Log.Dir,
		Filename: state.config.Log.File,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "logging:init-provider", "failed to initialize logging provider", err)
	}

	state.logger = logger
	state.slogger = logger.Slog()

	logger.Info("logging ready [%s] %s", state.config.Log.Level, state.configPath)
	return nil
}

func setupObservabilityStep(ctx context.Context, state *appState) error {
	if state == nil || state.logger == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"observability:setup-hooks",
			"config/logger not initialised",
		)
	}

	cfg := platformobservability.Config{
		Enabled: strings.EqualFold(state.config.Log.Level, "debug"),
	}

	shutdown, err := platformobservability.Setup(ctx, cfg, state.slogger)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "observability:setup-hooks", "failed to setup observability hooks", err)
	}
	state.observabilityShutdown = shutdown
	return nil
}

func openDatabaseStep(_ context.Context, state *appState) error {
	if state == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindStorage,
			"storage:open-database",
			"config not loaded",
		)
	}

	db, err := platformstorage.Open(state.config.Storage.DSN)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "storage:open-database", "failed to open database", err)
	}
	state.db = db
	return nil
}

// connectRedisStep dials redis only when at least one driver asks for it. A
// pure-memory deployment never needs the connection.
func connectRedisStep(ctx context.Context, state *appState) error {
	if state == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindStorage,
			"redis:connect",
			"config not loaded",
		)
	}

	if !redisRequired(state.config) {
		return nil
	}
	if state.config.Redis.Addr == "" {
		return platformerrors.New(
			platformerrors.KindStorage,
			"redis:connect",
			"a redis driver is configured but redis.addr is empty",
		)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     state.config.Redis.Addr,
		Username: state.config.Redis.Username,
		Password: state.config.Redis.Password,
		DB:       state.config.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return platformerrors.Wrap(platformerrors.KindStorage, "redis:connect", "failed to ping redis", err)
	}

	state.redis = client
	state.logger.Info("redis connected at %s", state.config.Redis.Addr)
	return nil
}

func redisRequired(cfg *platformconfig.Config) bool {
	for _, driver := range []string{cfg.Otp.Driver, cfg.WebAuthn.Driver, cfg.RateLimit.Driver} {
		if strings.EqualFold(driver, "redis") {
			return true
		}
	}
	return false
}

func wireDomainStep(_ context.Context, state *appState) error {
	if state == nil || state.config == nil || state.logger == nil || state.db == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"domain:wire-services",
			"missing config/logger/database",
		)
	}

	cfg := state.config
	logger := state.logger

	identities := platformstorage.NewIdentityRepository(state.db)
	credentials := platformstorage.NewWebAuthnCredentialRepository(state.db)

	trail := audit.NewTrail(audit.Options{
		Sink:    platformstorage.NewAuditRepository(state.db),
		Logger:  logger,
		Workers: cfg.Audit.AsyncWorkers,
		Buffer:  cfg.Audit.AsyncBuffer,
	})
	state.trail = trail

	issuer, err := token.NewIssuer(token.Options{
		Secret:        cfg.Token.Secret,
		AccessTTL:     cfg.Token.AccessTTL,
		RefreshTTL:    cfg.Token.RefreshTTL,
		MfaPendingTTL: cfg.Token.MfaPendingTTL,
		Trail:         trail,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindSecurity, "domain:wire-services", "failed to create token issuer", err)
	}

	verifier, err := credential.NewVerifier(credential.Options{
		Repository:        identities,
		Trail:             trail,
		Logger:            logger,
		MaxFailedAttempts: cfg.Lockout.MaxFailedAttempts,
		WarnAfterAttempts: cfg.Lockout.WarnAfterAttempts,
		LockDuration:      cfg.Lockout.LockDuration,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindSecurity, "domain:wire-services", "failed to create credential verifier", err)
	}

	codes, err := otp.New(otp.Config{
		Driver:      cfg.Otp.Driver,
		TTL:         cfg.Otp.TTL,
		MaxAttempts: cfg.Otp.MaxAttempts,
	}, otp.Dependencies{Redis: state.redis})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "domain:wire-services", "failed to create otp store", err)
	}
	state.codes = codes

	challenges, err := webauthn.NewChallengeStore(webauthn.ChallengeConfig{
		Driver: cfg.WebAuthn.Driver,
		TTL:    cfg.WebAuthn.ChallengeTTL,
	}, webauthn.ChallengeDependencies{Redis: state.redis})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "domain:wire-services", "failed to create challenge store", err)
	}
	state.challenges = challenges

	ceremony := webauthn.NewCeremony(webauthn.CeremonyOptions{
		Credentials:      credentials,
		Identities:       identities,
		Challenges:       challenges,
		Trail:            trail,
		Logger:           logger,
		RelyingPartyID:   cfg.WebAuthn.RelyingPartyID,
		RelyingPartyName: cfg.WebAuthn.RelyingPartyName,
		Timeout:          cfg.WebAuthn.Timeout,
	})

	limiter, err := ratelimit.New(ratelimit.Config{
		Driver:  cfg.RateLimit.Driver,
		Classes: rateClasses(cfg.RateLimit.Classes),
	}, ratelimit.Dependencies{Redis: state.redis})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "domain:wire-services", "failed to create rate limiter", err)
	}
	state.limiter = limiter

	dispatcher := notify.NewDispatcher(notify.Options{
		Workers:    cfg.Notify.Workers,
		MaxRetries: cfg.Notify.MaxRetries,
		Logger:     logger,
		Senders: map[string]notify.Sender{
			string(otp.ChannelEmail): &notify.LogSender{Channel: "EMAIL", Logger: logger},
			string(otp.ChannelSms):   &notify.LogSender{Channel: "SMS", Logger: logger},
		},
	})
	state.dispatcher = dispatcher

	orchestrator := mfa.NewOrchestrator(mfa.Options{
		Identities:  identities,
		Issuer:      issuer,
		Codes:       codes,
		Ceremony:    ceremony,
		Credentials: credentials,
		Dispatcher:  dispatcher,
		Trail:       trail,
		Logger:      logger,
	})

	state.service = services.NewAuthService(services.AuthServiceConfig{
		Identities:   identities,
		Verifier:     verifier,
		Orchestrator: orchestrator,
		Issuer:       issuer,
		Limiter:      limiter,
		Ceremony:     ceremony,
		Trail:        trail,
		Dispatcher:   dispatcher,
		Logger:       logger,
	})
	return nil
}

// rateClasses converts the YAML override map into the limiter's class table.
func rateClasses(overrides map[string]platformconfig.RateClassConfig) map[ratelimit.Class]ratelimit.Bucket {
	if len(overrides) == 0 {
		return nil
	}
	classes := make(map[ratelimit.Class]ratelimit.Bucket, len(overrides))
	for name, bucket := range overrides {
		classes[ratelimit.Class(strings.ToUpper(name))] = ratelimit.Bucket{
			Capacity:     bucket.Capacity,
			RefillTokens: bucket.RefillTokens,
			RefillPeriod: bucket.RefillPeriod,
		}
	}
	return classes
}

func startHTTPServer(state *appState, g *errgroup.Group, groupCtx context.Context) (*http.Server, error) {
	config := state.config
	logger := state.logger

	httpRouter, err := httptransport.Build(httptransport.Options{
		Config: config,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	httptransport.NewAuthHandler(state.service, logger).RegisterRoutes(httpRouter.API)

	httpServer := &http.Server{
		Addr:    config.Server.IP + ":" + strconv.Itoa(config.Server.Port),
		Handler: httpRouter.Engine,
	}

	g.Go(func() error {
		logger.Info("http server listening on %s", httpServer.Addr)

		go func() {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown failed: %v", err)
			} else {
				logger.Info("http server shut down cleanly")
			}
		}()

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed: %v", err)
			return err
		}
		return nil
	})

	return httpServer, nil
}

func waitForShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	logger *platformlogging.Logger,
	g *errgroup.Group,
) error {
	<-ctx.Done()
	logger.Info("shutdown signal received (%v), cleaning up", context.Cause(ctx))

	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("error during shutdown: %v", err)
			return err
		}
		logger.Info("all services stopped")
	case <-time.After(15 * time.Second):
		timeoutErr := errors.New("shutdown timed out")
		logger.Error("shutdown timed out, forcing exit")
		return timeoutErr
	}
	return nil
}
