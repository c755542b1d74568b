package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/cache"
	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/logger"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"gopkg.in/yaml.v3"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "streamchat")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := os.Getenv("STREAMCHAT_SERVER_CONFIG")
	if cfgFilePath == "" {
		cfgFilePath = filepath.Join(cfgPath, "server.yaml")
	}
	cfg, err := loadConfig(cfgFilePath)
	if err != nil {
		log.Fatal(err)
	}
	cfg = cfg.withDefaults(cfgPath)

	l, err := logger.New(os.Stderr, cfg.Log)
	if err != nil {
		log.Fatal(err)
	}

	if err := run(cfg, l); err != nil {
		l.Error("Server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func loadConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func run(cfg config, logger *slog.Logger) error {
	llm, err := cfg.LLM.llm(cfg.SystemPrompt, logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}
	titleGen, err := cfg.LLM.titleGen(cfg.TitleGeneratorPrompt, logger)
	if err != nil {
		return fmt.Errorf("error creating title generator: %w", err)
	}
	lister, err := cfg.LLM.modelLister(logger)
	if err != nil {
		return fmt.Errorf("error creating model lister: %w", err)
	}

	boltDB, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer boltDB.Close()

	modelCache, err := cache.Open(cfg.CachePath, cfg.ModelCacheTTL)
	if err != nil {
		return err
	}
	defer modelCache.Close()

	// The MCP sessions and stdio servers live as long as the server.
	mcpCtx, mcpCancel := context.WithCancel(context.Background())
	mcpClients, mcpCmds, err := connectMCPServers(mcpCtx, cfg, logger)
	defer func() {
		mcpCancel()
		waitMCPServers(mcpCmds, logger)
	}()
	if err != nil {
		return err
	}
	tools, err := services.NewMCPTools(mcpCtx, services.NewTools(nil), mcpClients, logger)
	if err != nil {
		return err
	}

	m := handlers.NewMain(llm, boltDB, logger,
		handlers.WithTitleGenerator(titleGen),
		handlers.WithModelLister(lister),
		handlers.WithModelCache(modelCache),
		handlers.WithTools(tools),
		handlers.WithDefaultModel(cfg.LLM.model()),
		handlers.WithMaxToolRounds(cfg.maxToolRounds()),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("error", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("error", err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("forcing server close: %w", err)
			}
		}
	}
	return nil
}
