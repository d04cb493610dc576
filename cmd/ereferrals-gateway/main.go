package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wccg/ereferrals/internal/config"
	"github.com/wccg/ereferrals/internal/domain/referral"
	"github.com/wccg/ereferrals/internal/platform/db"
	"github.com/wccg/ereferrals/internal/platform/middleware"
	"github.com/wccg/ereferrals/internal/platform/resilience"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ereferrals-gateway",
		Short: "Validating FHIR eReferrals gateway in front of the PAS",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// gateway holds the wired server and the collaborators the health check reads.
type gateway struct {
	echo     *echo.Echo
	pipeline *resilience.Pipeline
	pool     *pgxpool.Pool
}

// newGateway wires the referral pipeline behind the echo server. pool may be
// nil, in which case audit entries only go to the log.
func newGateway(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) (*gateway, error) {
	rules, err := referral.LoadRules(cfg.ReferralRulesFile)
	if err != nil {
		return nil, err
	}

	profile := referral.NewGoFHIRProfileValidator(referral.ProfileValidatorConfig{
		Enabled:      cfg.FHIRValidationEnabled,
		FHIRVersion:  cfg.FHIRVersion,
		PackagePaths: cfg.FHIRValidationPackagePaths,
	}, logger.With().Str("component", "profile").Logger())

	pipeline, err := resilience.NewPipeline(cfg.Resilience(),
		resilience.WithLogger(logger.With().Str("component", "pas").Logger()))
	if err != nil {
		return nil, fmt.Errorf("build resilience pipeline: %w", err)
	}
	pas := referral.NewPASClient(referral.PASConfig{
		BaseURL:                cfg.PASBaseURL,
		CreateReferralEndpoint: cfg.PASCreateReferralEndpoint,
		GetReferralEndpoint:    cfg.PASGetReferralEndpoint,
	}, pipeline)

	audit := referral.MultiAuditLogger{referral.NewZerologAuditLogger(logger)}
	if pool != nil {
		audit = append(audit, referral.NewAuditRepoPG(pool))
	}

	svc := referral.NewService(rules, profile, pas, audit, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.HTTPErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Outcome(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if len(cfg.CORSOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{
				echo.HeaderContentType,
				referral.HeaderAccept,
				referral.HeaderTargetIdentifier,
				referral.HeaderEndUserOrganisation,
				referral.HeaderRequestingPractitioner,
				referral.HeaderRequestingSoftware,
				referral.HeaderRequestID,
				referral.HeaderCorrelationID,
				referral.HeaderUseContext,
			},
			ExposeHeaders: []string{referral.HeaderRequestID, referral.HeaderCorrelationID, "Retry-After"},
		}))
	}

	g := &gateway{echo: e, pipeline: pipeline, pool: pool}
	e.GET("/health", g.health(cfg.PASBaseURL))

	api := e.Group("/api/v1")
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	referral.NewHandler(svc).RegisterRoutes(api)

	return g, nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	var pool *pgxpool.Pool
	if cfg.AuditDatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.AuditDatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to audit database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to audit database")
	}

	g, err := newGateway(cfg, logger, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gateway")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("pas", cfg.PASBaseURL).Msg("starting eReferrals gateway")
		if err := g.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.echo.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
