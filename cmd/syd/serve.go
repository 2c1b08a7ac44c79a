package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/adapter/discord"
	"github.com/switchyard/switchyard/internal/adapter/github"
	"github.com/switchyard/switchyard/internal/adapter/slack"
	"github.com/switchyard/switchyard/internal/agent"
	"github.com/switchyard/switchyard/internal/channel"
	"github.com/switchyard/switchyard/internal/config"
	"github.com/switchyard/switchyard/internal/db"
	"github.com/switchyard/switchyard/internal/dispatch"
	"github.com/switchyard/switchyard/internal/gateway"
	"github.com/switchyard/switchyard/internal/lock"
	"github.com/switchyard/switchyard/internal/models"
	"github.com/switchyard/switchyard/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Switchyard daemon",
		Long: `Starts the coordination daemon: gateway workers, the job scheduler,
and every persisted active adapter. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchyard.yaml", "path to Switchyard config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded config from %s\n", configPath)

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(scheduler.Opts{Out: out})
	defer sched.Stop()

	locks, err := lock.NewManager(lock.ManagerOpts{
		DB:           gormDB,
		TTL:          time.Duration(cfg.Lock.TTLSec) * time.Second,
		PollInterval: time.Duration(cfg.Lock.PollIntervalMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	channels, err := channel.NewRegistry(gormDB)
	if err != nil {
		return err
	}

	broker := gateway.NewInProcessBroker()
	hubs := make([]*gateway.Hub, cfg.Gateway.Workers)
	for i := range hubs {
		hubs[i] = gateway.NewHub()
	}
	gw, err := gateway.NewGateway(gateway.GatewayOpts{Broker: broker, Hubs: hubs})
	if err != nil {
		return err
	}
	for i, hub := range hubs {
		go func(hub *gateway.Hub, port int) {
			if err := gateway.StartServer(ctx, gateway.ServerOpts{Hub: hub, Port: port, Out: out}); err != nil {
				fmt.Fprintf(out, "gateway worker on :%d: %v\n", port, err)
			}
		}(hub, cfg.Gateway.Port+i)
	}

	registry := adapter.NewRegistry()
	registry.Register(slack.Type, withConfigDefaults(slack.Factory, map[string]string{
		"bot_token": cfg.Adapters.Slack.BotToken,
		"app_token": cfg.Adapters.Slack.AppToken,
	}))
	registry.Register(discord.Type, withConfigDefaults(discord.Factory, map[string]string{
		"bot_token": cfg.Adapters.Discord.BotToken,
	}))
	registry.Register(github.Type, withConfigDefaults(github.Factory, map[string]string{
		"token": cfg.Adapters.GitHub.Token,
		"owner": cfg.Adapters.GitHub.Owner,
		"repo":  cfg.Adapters.GitHub.Repo,
	}))

	responder, err := agent.NewRunner(agent.RunnerOpts{
		DB:      gormDB,
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Timeout: time.Duration(cfg.Agent.TimeoutSec) * time.Second,
	})
	if err != nil {
		return err
	}

	daemon, err := dispatch.NewDaemon(dispatch.Opts{
		DB:        gormDB,
		Registry:  registry,
		Channels:  channels,
		Scheduler: sched,
		Locks:     locks,
		Gateway:   gw,
		Responder: responder,
		Out:       out,
	})
	if err != nil {
		return err
	}

	err = daemon.Reconcile(ctx, scheduler.ReconcileOpts{
		Workers:     cfg.Scheduler.ReconcileWorkers,
		SettleDelay: time.Duration(cfg.Scheduler.SettleDelayMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Switchyard is running (%d gateway workers on :%d)\n",
		cfg.Gateway.Workers, cfg.Gateway.Port)
	<-ctx.Done()
	fmt.Fprintln(out, "Shutting down...")
	return nil
}

// withConfigDefaults wraps a factory so process-level credentials fill the
// keys an instance's config omits.
func withConfigDefaults(f adapter.Factory, defaults map[string]string) adapter.Factory {
	return func(inst *models.AdapterInstance) (adapter.Adapter, error) {
		cfg, err := adapter.ParseConfig(inst)
		if err != nil {
			return nil, err
		}
		changed := false
		for k, v := range defaults {
			if cfg[k] == "" && v != "" {
				cfg[k] = v
				changed = true
			}
		}
		if changed {
			data, err := json.Marshal(cfg)
			if err != nil {
				return nil, fmt.Errorf("merge adapter config: %w", err)
			}
			merged := *inst
			merged.Config = string(data)
			return f(&merged)
		}
		return f(inst)
	}
}
