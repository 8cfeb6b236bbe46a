package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/assistant-chat/internal/handlers"
	"github.com/MegaGrindStone/assistant-chat/internal/runguard"
	"github.com/MegaGrindStone/assistant-chat/internal/services"
	"github.com/MegaGrindStone/assistant-chat/internal/session"
	"github.com/MegaGrindStone/assistant-chat/internal/stream"
	"github.com/MegaGrindStone/go-mcp"
	"gopkg.in/yaml.v3"
)

const errLoggerKey = "err"

func main() {
	if err := run(); err != nil {
		slog.Error("Server failed", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	appDir := filepath.Join(cfgDir, "assistantchat")

	cfgFilePath := flag.String("config", filepath.Join(appDir, "config.yaml"), "path of the YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*cfgFilePath)
	if err != nil {
		return err
	}
	logger, err := cfg.logger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = appDir
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("error creating data directory: %w", err)
	}
	boltDB, err := services.NewBoltDB(filepath.Join(dataDir, "store.db"))
	if err != nil {
		return err
	}
	defer boltDB.Close()

	backend, err := cfg.Backend.backend(boltDB, logger)
	if err != nil {
		return fmt.Errorf("invalid backend: %w", err)
	}

	var sessionOpts []session.Option
	if cfg.TitleGenerator != nil {
		titleGen, err := cfg.TitleGenerator.titleGen(logger)
		if err != nil {
			return fmt.Errorf("invalid title generator: %w", err)
		}
		sessionOpts = append(sessionOpts, session.WithTitleGenerator(titleGen))
	}

	mcpClientInfo := mcp.Info{
		Name:    "assistant-chat",
		Version: "0.1.0",
	}
	mcpClients, stdIOCmds, err := populateMCPClients(cfg, mcpClientInfo)
	if err != nil {
		return err
	}

	toolClients, err := connectMCPClients(context.Background(), mcpClients, logger)
	if err != nil {
		return err
	}
	if len(toolClients) > 0 {
		tools, err := services.NewMCPTools(context.Background(), toolClients, logger)
		if err != nil {
			return err
		}
		sessionOpts = append(sessionOpts, session.WithTools(tools))
	}

	guard := runguard.New(backend, logger,
		runguard.WithLookback(cfg.Session.RunLookback),
		runguard.WithGrace(cfg.Session.CancelGrace))
	sessionOpts = append(sessionOpts,
		session.WithUserID(cfg.UserID),
		session.WithRunOptions(cfg.Backend.runOptions()),
		session.WithGuard(guard),
		session.WithDecoder(stream.NewDecoder(logger, cfg.Session.StreamGrace,
			stream.WithMaxEventSize(cfg.Session.MaxEventSize))),
		session.WithPollInterval(cfg.Session.PollInterval),
		session.WithDrainDelay(cfg.Session.DrainDelay),
	)

	m := handlers.NewMain(func() *session.Controller {
		return session.New(backend, boltDB, logger, sessionOpts...)
	}, logger, handlers.WithSessionIdleTimeout(cfg.Session.IdleTimeout))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		disconnectMCPClients(mcpClients, logger)
		for _, stdIOCmd := range stdIOCmds {
			if err := stdIOCmd.Wait(); err != nil {
				logger.Warn("Failed to wait for stdIO command", slog.String(errLoggerKey, err.Error()))
			}
		}

		if err := m.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Warn("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
	return nil
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

func populateMCPClients(cfg config, mcpClientInfo mcp.Info) ([]mcpConnection, []*exec.Cmd, error) {
	var mcpClients []mcpConnection

	for _, mcpSSEServerConfig := range cfg.MCPSSEServers {
		sseClient := mcp.NewSSEClient(mcpSSEServerConfig.URL, nil)
		cli := mcp.NewClient(mcpClientInfo, sseClient)
		mcpClients = append(mcpClients, cli)
	}

	var stdIOCmds []*exec.Cmd
	for name, mcpStdIOServerConfig := range cfg.MCPStdIOServers {
		cmd := exec.Command(mcpStdIOServerConfig.Command, mcpStdIOServerConfig.Args...)

		in, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("mcp server %s: %w", name, err)
		}
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("mcp server %s: %w", name, err)
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, fmt.Errorf("failed to start mcp server %s: %w", name, err)
		}
		stdIOCmds = append(stdIOCmds, cmd)

		cliStdIO := mcp.NewStdIO(out, in)

		cli := mcp.NewClient(mcpClientInfo, cliStdIO)
		mcpClients = append(mcpClients, cli)
	}

	return mcpClients, stdIOCmds, nil
}
