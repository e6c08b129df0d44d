package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sandevgo/memoria/internal/config"
	"github.com/sandevgo/memoria/internal/engine"
	"github.com/sandevgo/memoria/internal/providers/embed"
	"github.com/sandevgo/memoria/internal/providers/llm"
	"github.com/sandevgo/memoria/internal/storage/sqlite"
	"github.com/sandevgo/memoria/internal/transport/telegram"
	"github.com/sandevgo/memoria/pkg/log"
	"github.com/sandevgo/memoria/pkg/srv"
)

// app bundles everything both the start and import commands need.
type app struct {
	cfg    *config.AppConfig
	engCfg *config.EngineConfig
	db     *sql.DB
	engine *engine.Engine
}

func newApp(ctx context.Context) (*app, error) {
	logger := log.FromCtx(ctx)

	if err := initEnv(ctx, config.GetRuntimePath()); err != nil {
		logger.Fatal().Err(err).Msg("failed to init env")
	}

	appCfg := config.NewAppConfig(ctx)
	engCfg := config.NewEngineConfig(ctx)
	openaiCfg := config.NewOpenAIConfig(ctx)

	db, err := sqlite.NewDB(ctx, appCfg.GetDatabasePath())
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(
		engCfg,
		embed.NewOpenAI(openaiCfg),
		sqlite.NewMemoryRepo(db),
		sqlite.NewMessagesRepo(db),
	)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:    appCfg,
		engCfg: engCfg,
		db:     db,
		engine: eng,
	}, nil
}

func NewServices(ctx context.Context) []srv.Service {
	logger := log.FromCtx(ctx)
	services := make([]srv.Service, 0)

	a, err := newApp(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize application")
	}
	services = append(services, srv.NewCleanup(a.db.Close))

	// Background retry of chunks whose embedding hit an upstream outage.
	services = append(services, engine.NewRequeueWorker(a.engine, a.engCfg.RequeueInterval))

	if a.cfg.IsTelegramSelected() {
		tgCfg := config.NewTelegramConfig(ctx)
		reply := llm.NewOpenAI(config.NewOpenAIConfig(ctx))

		bot, err := telegram.NewBot(ctx, tgCfg, a.engine, reply)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize telegram bot")
		}
		services = append(services, bot)
	}

	return services
}

func initEnv(ctx context.Context, runtimePath string) error {
	logger := log.FromCtx(ctx)
	envFile := filepath.Join(runtimePath, ".env")

	if _, err := os.Stat(envFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := godotenv.Load(envFile); err != nil {
		logger.Warn().Err(err).Str("path", envFile).Msg("failed to load .env file")
		return err
	}

	logger.Debug().Str("path", envFile).Msg("loaded .env file")
	return nil
}
