package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/omnihub/internal/channels"
	"github.com/nextlevelbuilder/omnihub/internal/channels/discord"
	"github.com/nextlevelbuilder/omnihub/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/omnihub/internal/config"
	"github.com/nextlevelbuilder/omnihub/internal/gateway"
	"github.com/nextlevelbuilder/omnihub/internal/router"
	"github.com/nextlevelbuilder/omnihub/internal/store"
	"github.com/nextlevelbuilder/omnihub/internal/store/pg"
	"github.com/nextlevelbuilder/omnihub/internal/store/sqlite"
	"github.com/nextlevelbuilder/omnihub/internal/telemetry"
	"github.com/nextlevelbuilder/omnihub/internal/trace"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telShutdown, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telShutdown(shutdownCtx)
	}()

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	traceSvc := trace.NewService(stores.Traces, trace.Options{
		Enabled:         cfg.Tracing.Enabled,
		MaxPayloadBytes: cfg.Tracing.MaxPayloadBytes,
	})
	routes := router.New(stores.Users, traceSvc)

	manager := channels.NewManager()
	registerInstances(cfg, manager, routes, traceSvc)

	dedup := gateway.NewDeduper(cfg.Redis)
	defer dedup.Close()

	server := gateway.NewServer(cfg, manager, dedup)
	sweeper := trace.NewSweeper(traceSvc, cfg.Tracing.RetentionSchedule, cfg.Tracing.RetentionDays)

	if err := manager.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { sweeper.Run(gctx); return nil })
	g.Go(func() error {
		return config.Watch(gctx, cfgPath, func(next *config.Config) {
			// A full channel restart needs a process restart; backend and
			// credential changes take effect on the next message.
			for i := range next.Instances {
				routes.Invalidate(next.Instances[i].Name)
			}
			slog.Info("config reloaded, cached agent backends invalidated")
		})
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("gateway exited", "error", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.StopAll(stopCtx); err != nil {
		slog.Warn("channel shutdown incomplete", "error", err)
	}
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	sc := store.StoreConfig{
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  config.ExpandHome(cfg.Database.SQLitePath),
	}
	if cfg.Database.UsesPostgres() {
		return pg.NewPGStores(sc)
	}
	return sqlite.NewSQLiteStores(sc)
}

func registerInstances(cfg *config.Config, manager *channels.Manager, routes *router.Router, traceSvc *trace.Service) {
	for i := range cfg.Instances {
		ic := &cfg.Instances[i]
		if !ic.IsActive {
			slog.Info("instance inactive, skipping", "instance", ic.Name)
			continue
		}
		if err := ic.Validate(); err != nil {
			slog.Error("instance misconfigured, skipping", "instance", ic.Name, "error", err)
			continue
		}
		switch ic.ChannelType {
		case config.ChannelWhatsApp:
			ch := whatsapp.NewChannel(ic, routes, traceSvc, cfg.WhatsApp.DefaultCountryCode)
			if ic.EvolutionWebsocket {
				feed := whatsapp.NewEventFeed(ic.EvolutionURL, ic.EvolutionKey, ic.WhatsAppInstance, ch.HandleEvent)
				ch.SetEventFeed(feed)
			}
			manager.Register(ch)
		case config.ChannelDiscord:
			manager.Register(discord.NewChannel(ic, routes, traceSvc, cfg.Discord.IPCSocketDir))
		default:
			slog.Error("unknown channel type", "instance", ic.Name, "channel_type", ic.ChannelType)
		}
	}
}
