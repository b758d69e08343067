package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"escrow_dex/internal/app"
	"escrow_dex/internal/event"
	"escrow_dex/internal/feed"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	watchURL := flag.String("watch", "", "follow a running node's event feed (ws://host/ws) instead of serving")
	fromSeq := flag.Uint64("from-seq", 1, "first event sequence to replay when watching")
	flag.Parse()

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watchURL != "" {
		watch(ctx, *watchURL, *fromSeq)
		return
	}

	// System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx, *configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := bootstrap.Close(); err != nil {
			slog.Error("Shutdown incomplete", slog.Any("error", err))
		}
	}()

	// Pprof Server (for performance profiling)
	if bootstrap.Config.Server.EnablePprof {
		go func() {
			// Localhost only for security
			slog.Info("🕵️ Pprof server started on localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	if err := bootstrap.Run(ctx); err != nil {
		slog.Error("Server stopped with error", slog.Any("error", err))
		return
	}
	slog.Info("👋 Shutting down gracefully...")
}

// watch prints every event of a remote feed as one log line.
func watch(ctx context.Context, url string, fromSeq uint64) {
	inbox := make(chan event.ListingEvent, 256)
	sub := feed.NewSubscriber(url, fromSeq, inbox)
	if err := sub.Connect(ctx); err != nil {
		slog.Error("❌ Feed subscribe failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer sub.Disconnect()

	for {
		select {
		case <-ctx.Done():
			slog.Info("👋 Stopped watching", slog.Uint64("last_seq", sub.LastSeq()))
			return
		case ev := <-inbox:
			slog.Info(ev.Type.String(),
				slog.Uint64("seq", ev.Seq),
				slog.String("listing", ev.Ref().String()),
				slog.String("actor", ev.Actor.String()),
				slog.Uint64("amount", ev.Amount),
				slog.Uint64("remaining", ev.Remaining),
				slog.Uint64("total_price", ev.TotalPrice))
		}
	}
}
