package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"escrow_dex/internal/authority"
	"escrow_dex/internal/domain"
	"escrow_dex/internal/event"
	"escrow_dex/internal/infra"
	"escrow_dex/internal/infra/storage"
)

// Options tune an Engine. Zero values fall back to the marketplace defaults.
type Options struct {
	PriceScale       uint64
	MinListingAmount uint64

	// OnEvent is called once per committed transition, in sequence order.
	// It runs under the event-log lock and must not block.
	OnEvent func(event.ListingEvent)

	Metrics *infra.Metrics
}

// Engine is the listing state machine and the marketplace registry.
//
// Locking: regMu serializes marketplace initialization and listing creation,
// so id assignment and counter advance happen in one critical section. Each
// listing has its own mutex; buy, cancel and close read-check-write the
// listing under it. mu only guards the listing index maps. logMu is taken
// last and orders commits, so event sequence numbers follow commit order.
type Engine struct {
	deriver *authority.Deriver
	ledger  domain.Settlement
	store   *storage.Storage // nil runs without persistence
	opts    Options
	metrics *infra.Metrics

	logMu    sync.Mutex
	eventSeq atomic.Uint64

	regMu  sync.Mutex
	market *domain.Marketplace

	mu       sync.RWMutex
	listings map[domain.ListingRef]*slot
	addrs    map[domain.Pubkey]domain.ListingRef
}

type slot struct {
	mu      sync.Mutex
	listing domain.Listing
	closed  bool
}

// NewEngine wires the state machine to its derivation scheme, settlement rail
// and optional store.
func NewEngine(deriver *authority.Deriver, ledger domain.Settlement, store *storage.Storage, opts Options) *Engine {
	if opts.PriceScale == 0 {
		opts.PriceScale = domain.DefaultPriceScale
	}
	if opts.MinListingAmount == 0 {
		opts.MinListingAmount = domain.DefaultMinListingAmount
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Engine{
		deriver:  deriver,
		ledger:   ledger,
		store:    store,
		opts:     opts,
		metrics:  metrics,
		listings: make(map[domain.ListingRef]*slot),
		addrs:    make(map[domain.Pubkey]domain.ListingRef),
	}
}

// Restore reloads the registry and open listings from the store.
// Closed listings are gone from storage and stay gone.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	market, err := e.store.LoadMarketplace(ctx)
	if err != nil {
		return fmt.Errorf("failed to load marketplace: %w", err)
	}
	listings, err := e.store.LoadListings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load listings: %w", err)
	}
	lastSeq, err := e.store.LastEventSeq(ctx)
	if err != nil {
		return err
	}

	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.market = market
	var active int64
	for _, l := range listings {
		e.listings[l.Ref()] = &slot{listing: l}
		e.addrs[l.Address] = l.Ref()
		e.addrs[l.Escrow] = l.Ref()
		if l.IsActive {
			active++
		}
	}
	e.eventSeq.Store(lastSeq)
	e.metrics.SetActiveListings(active)

	slog.Info("Engine restored",
		slog.Bool("initialized", market != nil),
		slog.Int("listings", len(listings)),
		slog.Uint64("last_event_seq", lastSeq))
	return nil
}

// Marketplace returns a copy of the registry record.
func (e *Engine) Marketplace() (domain.Marketplace, error) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	if e.market == nil {
		return domain.Marketplace{}, &domain.StateError{Op: "get_marketplace", Err: domain.ErrNotInitialized}
	}
	return *e.market, nil
}

// PriceScale returns the scale buy prices are computed with.
func (e *Engine) PriceScale() uint64 {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	if e.market != nil {
		return e.market.PriceScale
	}
	return e.opts.PriceScale
}

// GetListing returns a copy of the listing at ref.
func (e *Engine) GetListing(ref domain.ListingRef) (domain.Listing, error) {
	s, err := e.slot(ref, "get_listing")
	if err != nil {
		return domain.Listing{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Listing{}, &domain.StateError{Op: "get_listing", Err: domain.ErrListingNotFound}
	}
	return s.listing, nil
}

// Listings returns copies of every unclosed listing ordered by id, then seller.
func (e *Engine) Listings() []domain.Listing {
	e.mu.RLock()
	slots := make([]*slot, 0, len(e.listings))
	for _, s := range e.listings {
		slots = append(slots, s)
	}
	e.mu.RUnlock()

	result := make([]domain.Listing, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if !s.closed {
			result = append(result, s.listing)
		}
		s.mu.Unlock()
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].ListingID != result[j].ListingID {
			return result[i].ListingID < result[j].ListingID
		}
		return result[i].Seller.String() < result[j].Seller.String()
	})
	return result
}

// Violation is a listing whose escrow does not match what it owes.
type Violation struct {
	Ref     domain.ListingRef
	Balance uint64
	Err     error
}

// Reconcile checks every listing against its escrow balance on the settlement rail.
func (e *Engine) Reconcile() []Violation {
	var violations []Violation
	for _, l := range e.Listings() {
		balance := e.ledger.AssetBalance(l.Escrow)
		if err := l.VerifyInvariant(balance); err != nil {
			violations = append(violations, Violation{Ref: l.Ref(), Balance: balance, Err: err})
		}
	}
	return violations
}

func (e *Engine) slot(ref domain.ListingRef, op string) (*slot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.listings[ref]
	if !ok {
		return nil, &domain.StateError{Op: op, Err: domain.ErrListingNotFound}
	}
	return s, nil
}

// listingSigner rebuilds the derived custodian of l for a transfer out of escrow.
func (e *Engine) listingSigner(l *domain.Listing) domain.Signer {
	return domain.Signer{
		Key:   l.Address,
		Seeds: authority.ListingSeeds(l.Seller, l.ListingID),
		Bump:  l.Bump,
	}
}

// commit persists tr, commits the settlement batch and publishes tr.Event as
// one step of the event log. apply updates in-memory state once both are
// durable. Nothing is emitted for a failed transition and its sequence
// number is reused.
func (e *Engine) commit(ctx context.Context, tr storage.Transition, tx domain.SettlementTx, apply func()) error {
	e.logMu.Lock()
	defer e.logMu.Unlock()

	if tr.Event != nil {
		tr.Event.Seq = e.eventSeq.Load() + 1
	}
	if err := e.persist(ctx, tr, tx); err != nil {
		return err
	}
	if tr.Event != nil {
		e.eventSeq.Store(tr.Event.Seq)
	}
	if apply != nil {
		apply()
	}
	if tr.Event != nil {
		e.emit(*tr.Event)
	}
	return nil
}

// persist writes tr and commits tx as one unit. The ledger commit and the
// accounts it touched are the last writes inside the store transaction; if
// the store then fails to commit, the batch is reverted.
func (e *Engine) persist(ctx context.Context, tr storage.Transition, tx domain.SettlementTx) error {
	if e.store == nil {
		if tx == nil {
			return nil
		}
		return tx.Commit()
	}
	if tx == nil {
		return e.store.Apply(ctx, tr, nil)
	}

	err := e.store.Apply(ctx, tr, func() ([]domain.LedgerAccount, error) {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return tx.Accounts(), nil
	})
	if err == nil {
		return nil
	}
	if tx.Committed() {
		if rerr := tx.Revert(); rerr != nil {
			slog.Error("CRITICAL_SETTLEMENT_DIVERGENCE",
				slog.Any("store_error", err),
				slog.Any("revert_error", rerr))
			return errors.Join(err, rerr)
		}
		return err
	}
	tx.Rollback()
	return err
}

func (e *Engine) newEvent(t event.Type, l *domain.Listing, actor domain.Pubkey) event.ListingEvent {
	return event.ListingEvent{
		Type:      t,
		Seller:    l.Seller,
		ListingID: l.ListingID,
		Actor:     actor,
		Remaining: l.Amount,
		Price:     l.Price,
		TsUnixM:   time.Now().UnixMicro(),
	}
}

func (e *Engine) emit(ev event.ListingEvent) {
	if e.opts.OnEvent != nil {
		e.opts.OnEvent(ev)
	}
}

// reject logs and counts a failed transition and hands the error back.
func (e *Engine) reject(op string, start time.Time, err error, attrs ...slog.Attr) error {
	e.metrics.RecordRejected()
	e.metrics.RecordTransition(time.Since(start))
	args := make([]any, 0, len(attrs)+2)
	args = append(args, slog.String("op", op), slog.Any("error", err))
	for _, a := range attrs {
		args = append(args, a)
	}
	slog.Warn("TRANSITION_REJECTED", args...)
	return err
}
