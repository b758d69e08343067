package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"escrow_dex/internal/api"
	"escrow_dex/internal/authority"
	"escrow_dex/internal/domain"
	"escrow_dex/internal/engine"
	"escrow_dex/internal/event"
	"escrow_dex/internal/feed"
	"escrow_dex/internal/infra"
	"escrow_dex/internal/infra/storage"
	"escrow_dex/internal/service"
	"escrow_dex/internal/settlement"
)

// compactInterval is how often the stored ledger is rewritten from memory.
// Transitions already persist every account they touch.
const compactInterval = 10 * time.Minute

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Storage *storage.Storage
	Deriver *authority.Deriver
	Ledger  *settlement.Ledger
	Engine  *engine.Engine
	Quotes  *service.QuoteService
	Hub     *feed.Hub
	Server  *api.Server
	Metrics *infra.Metrics
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{Metrics: infra.GlobalMetrics}
}

// Initialize wires config, logging, storage, settlement, engine, feed and API.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("🚀 Bootstrapping escrow marketplace...", slog.String("version", cfg.App.Version))

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 4. Derivation + settlement rail
	deriver, err := authority.NewDeriver(cfg.ProgramID())
	if err != nil {
		return fmt.Errorf("failed to create deriver: %w", err)
	}
	b.Deriver = deriver

	ledger, err := settlement.NewLedger(deriver)
	if err != nil {
		return err
	}
	accounts, err := store.LoadLedger(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	if err := ledger.Load(accounts); err != nil {
		return err
	}
	b.Ledger = ledger
	slog.Info("✅ Settlement ledger ready",
		slog.String("program_id", deriver.ProgramID().String()),
		slog.String("mint_authority", ledger.MintAuthority().String()),
		slog.Int("accounts", len(accounts)))

	// 5. Engine, read side and feed
	b.Hub = feed.NewHub(cfg.Feed.SendBuffer, store, b.Metrics)
	b.Engine = engine.NewEngine(deriver, ledger, store, engine.Options{
		PriceScale:       cfg.Market.PriceScale,
		MinListingAmount: cfg.Market.MinListingAmount,
		OnEvent:          b.dispatch,
		Metrics:          b.Metrics,
	})
	b.Quotes = service.NewQuoteService(b.Engine, cfg.Market.AssetDecimals, cfg.Market.CurrencyDecimals)

	if err := b.Engine.Restore(ctx); err != nil {
		return err
	}
	if err := b.ensureMarketplace(ctx); err != nil {
		return err
	}
	for _, v := range b.Engine.Reconcile() {
		slog.Warn("ESCROW_MISMATCH", slog.String("listing", v.Ref.String()), slog.Uint64("escrow", v.Balance), slog.Any("error", v.Err))
	}

	// 6. API
	b.Server = api.NewServer(api.Deps{
		Market:           b.Engine,
		Quotes:           b.Quotes,
		Wallets:          ledger,
		History:          store,
		Feed:             b.Hub,
		Metrics:          b.Metrics,
		AssetDecimals:    cfg.Market.AssetDecimals,
		CurrencyDecimals: cfg.Market.CurrencyDecimals,
		Mode:             cfg.Server.Mode,
	})
	slog.Info("✅ API ready", slog.String("addr", cfg.Server.Addr))
	return nil
}

// dispatch fans a committed event out to the read side and the feed.
func (b *Bootstrap) dispatch(ev event.ListingEvent) {
	if !b.Quotes.Publish(ev) {
		slog.Warn("Quote stats queue full, event dropped", slog.Uint64("seq", ev.Seq))
	}
	b.Hub.Broadcast(ev)
}

// ensureMarketplace initializes the registry on first start when an operator is configured.
func (b *Bootstrap) ensureMarketplace(ctx context.Context) error {
	operator, ok := b.Config.OperatorKey()
	if !ok {
		return nil
	}
	m, err := b.Engine.Marketplace()
	if err == nil {
		if m.Authority != operator {
			slog.Warn("Configured operator differs from marketplace authority",
				slog.String("configured", operator.String()),
				slog.String("authority", m.Authority.String()))
		}
		return nil
	}
	if !errors.Is(err, domain.ErrNotInitialized) {
		return err
	}
	_, err = b.Engine.InitializeMarketplace(ctx, operator)
	return err
}

// Run serves HTTP and compacts the stored ledger until ctx is cancelled.
func (b *Bootstrap) Run(ctx context.Context) error {
	b.Quotes.StartEventProcessor(ctx)
	go b.compactLoop(ctx)

	srv := &http.Server{
		Addr:         b.Config.Server.Addr,
		Handler:      b.Server.Handler(),
		ReadTimeout:  time.Duration(b.Config.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(b.Config.Server.WriteTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("✨ Marketplace serving", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.Hub.Close()
	return srv.Shutdown(shutdownCtx)
}

func (b *Bootstrap) compactLoop(ctx context.Context) {
	ticker := time.NewTicker(compactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Checkpoint(ctx); err != nil {
				slog.Error("Ledger compaction failed", slog.Any("error", err))
			}
		}
	}
}

// Checkpoint rewrites the stored ledger from a full in-memory snapshot,
// dropping accounts that no longer exist.
func (b *Bootstrap) Checkpoint(ctx context.Context) error {
	var accounts int
	err := b.Storage.SaveLedger(ctx, func() []domain.LedgerAccount {
		snap := b.Ledger.Snapshot()
		accounts = len(snap)
		return snap
	})
	if err != nil {
		return err
	}
	slog.Debug("Ledger compacted", slog.Int("accounts", accounts))
	return nil
}

// Close compacts the stored ledger once more and releases storage.
func (b *Bootstrap) Close() error {
	if b.Storage == nil {
		return nil
	}
	var errs []error
	if b.Ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, b.Checkpoint(ctx))
	}
	errs = append(errs, b.Storage.Close())
	return errors.Join(errs...)
}
