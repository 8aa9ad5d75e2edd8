package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/deskplane/deskplane/internal/agentclient"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Deskplane Agent", "version", AppVersion, "agent_id", config.Agent.ID)

	if config.Agent.ID == "" || config.Agent.Secret == "" {
		slog.Error("Agent id and secret are required; enroll the agent first")
		os.Exit(1)
	}

	runtime := newSimRuntime(config.Agent.ID)
	client := agentclient.New(agentclient.Config{
		ServerURL: config.Server.URL,
		AgentID:   config.Agent.ID,
		Secret:    config.Agent.Secret,
		Platform:  config.Agent.Platform,
		Version:   AppVersion,
	}, runtime)

	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	slog.Info("Received shutdown signal", "signal", sig)
	cancel()
	slog.Info("Shutdown complete")
}
