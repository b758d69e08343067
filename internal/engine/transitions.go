package engine

import (
	"context"
	"log/slog"
	"time"

	"escrow_dex/internal/authority"
	"escrow_dex/internal/domain"
	"escrow_dex/internal/event"
	"escrow_dex/internal/infra/storage"
	"escrow_dex/pkg/safe"

	"github.com/google/uuid"
)

// InitializeMarketplace creates the registry with listing_count = 0.
// A second call fails with ErrAlreadyInitialized.
func (e *Engine) InitializeMarketplace(ctx context.Context, operator domain.Pubkey) (domain.Marketplace, error) {
	const op = "initialize_marketplace"
	start := time.Now()

	e.regMu.Lock()
	defer e.regMu.Unlock()

	if e.market != nil {
		return domain.Marketplace{}, e.reject(op, start, &domain.StateError{Op: op, Err: domain.ErrAlreadyInitialized})
	}

	addr, _, err := e.deriver.FindAddress(authority.MarketplaceSeeds()...)
	if err != nil {
		return domain.Marketplace{}, e.reject(op, start, err)
	}

	now := time.Now()
	market := domain.Marketplace{
		ID:           domain.MarketplaceRowID,
		Address:      addr,
		Authority:    operator,
		ListingCount: 0,
		PriceScale:   e.opts.PriceScale,
		MinAmount:    e.opts.MinListingAmount,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ev := event.ListingEvent{
		Type:    event.EvMarketplaceInitialized,
		Actor:   operator,
		TsUnixM: now.UnixMicro(),
	}
	err = e.commit(ctx, storage.Transition{Marketplace: &market, Event: &ev}, nil, func() {
		e.market = &market
	})
	if err != nil {
		return domain.Marketplace{}, e.reject(op, start, err)
	}

	e.metrics.RecordTransition(time.Since(start))
	slog.Info("MARKETPLACE_INITIALIZED",
		slog.String("address", addr.String()),
		slog.String("authority", operator.String()),
		slog.Uint64("price_scale", market.PriceScale))
	return market, nil
}

// CreateListing escrows amount units from seller and registers a new listing
// under the next registry id. Either the listing exists, funded, with the
// counter advanced, or nothing changed.
func (e *Engine) CreateListing(ctx context.Context, seller domain.Pubkey, price, amount uint64) (domain.ListingRef, error) {
	const op = "create_listing"
	start := time.Now()

	if price == 0 {
		return domain.ListingRef{}, e.reject(op, start, &domain.ValidationError{Field: "price", Err: domain.ErrInvalidPrice})
	}
	if amount == 0 {
		return domain.ListingRef{}, e.reject(op, start, &domain.ValidationError{Field: "amount", Err: domain.ErrInvalidAmount})
	}

	e.regMu.Lock()
	defer e.regMu.Unlock()

	if e.market == nil {
		return domain.ListingRef{}, e.reject(op, start, &domain.StateError{Op: op, Err: domain.ErrNotInitialized})
	}
	if amount < e.market.MinAmount {
		return domain.ListingRef{}, e.reject(op, start, &domain.ValidationError{Field: "amount", Err: domain.ErrAmountTooSmall})
	}

	id := e.market.ListingCount
	nextCount, err := safe.AddU64(id, 1)
	if err != nil {
		return domain.ListingRef{}, e.reject(op, start, domain.ErrOverflow)
	}

	listingAddr, bump, err := e.deriver.FindAddress(authority.ListingSeeds(seller, id)...)
	if err != nil {
		return domain.ListingRef{}, e.reject(op, start, err)
	}
	escrowAddr, _, err := e.deriver.FindAddress(authority.EscrowSeeds(listingAddr)...)
	if err != nil {
		return domain.ListingRef{}, e.reject(op, start, err)
	}
	if err := e.checkCollision(listingAddr, escrowAddr); err != nil {
		return domain.ListingRef{}, e.reject(op, start, err,
			slog.String("listing", listingAddr.String()),
			slog.String("escrow", escrowAddr.String()))
	}

	tx := e.ledger.Begin()
	if err := tx.OpenHolding(escrowAddr, listingAddr); err != nil {
		tx.Rollback()
		return domain.ListingRef{}, e.reject(op, start, err)
	}
	if err := tx.TransferAsset(domain.UserSigner(seller), seller, escrowAddr, amount); err != nil {
		tx.Rollback()
		return domain.ListingRef{}, e.reject(op, start, err, slog.String("seller", seller.String()))
	}

	now := time.Now()
	listing := domain.Listing{
		Seller:        seller,
		ListingID:     id,
		Address:       listingAddr,
		Bump:          bump,
		Escrow:        escrowAddr,
		Price:         price,
		Amount:        amount,
		InitialAmount: amount,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	market := *e.market
	market.ListingCount = nextCount
	market.UpdatedAt = now

	ev := e.newEvent(event.EvListingCreated, &listing, seller)
	ev.Amount = amount

	ref := listing.Ref()
	err = e.commit(ctx, storage.Transition{Marketplace: &market, Listing: &listing, Event: &ev}, tx, func() {
		e.market = &market
		e.mu.Lock()
		e.listings[ref] = &slot{listing: listing}
		e.addrs[listingAddr] = ref
		e.addrs[escrowAddr] = ref
		e.mu.Unlock()
	})
	if err != nil {
		return domain.ListingRef{}, e.reject(op, start, err, slog.String("seller", seller.String()))
	}

	e.metrics.RecordCreated()
	e.metrics.RecordTransition(time.Since(start))
	slog.Info("LISTING_CREATED",
		slog.String("seller", seller.String()),
		slog.Uint64("listing_id", id),
		slog.Uint64("price", price),
		slog.String("amount", domain.FormatUnits(amount, domain.AssetDecimals)),
		slog.String("escrow", escrowAddr.String()))
	return ref, nil
}

// checkCollision refuses a derived address that is already in use. This is a
// setup fault: it is surfaced, never retried with different seeds.
func (e *Engine) checkCollision(addrs ...domain.Pubkey) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, a := range addrs {
		if _, taken := e.addrs[a]; taken {
			return &domain.StateError{Op: "derive_authority", Err: domain.ErrAuthorityCollision}
		}
		if e.ledger.HoldingExists(a) {
			return &domain.StateError{Op: "derive_authority", Err: domain.ErrAuthorityCollision}
		}
	}
	return nil
}

// BuyListing pays the seller floor(price*amount/scale) and releases amount
// units from escrow to the buyer. Partial fills leave the listing active.
func (e *Engine) BuyListing(ctx context.Context, buyer domain.Pubkey, ref domain.ListingRef, amount uint64) (domain.Fill, error) {
	const op = "buy_listing"
	start := time.Now()

	if amount == 0 {
		return domain.Fill{}, e.reject(op, start, &domain.ValidationError{Field: "amount", Err: domain.ErrInvalidAmount})
	}

	s, err := e.slot(ref, op)
	if err != nil {
		return domain.Fill{}, e.reject(op, start, err, slog.String("listing", ref.String()))
	}
	scale := e.PriceScale()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.Fill{}, e.reject(op, start, &domain.StateError{Op: op, Err: domain.ErrListingNotFound})
	}
	l := s.listing
	if !l.IsActive {
		return domain.Fill{}, e.reject(op, start, &domain.StateError{Op: op, Err: domain.ErrListingNotActive},
			slog.String("listing", ref.String()))
	}
	if amount > l.Amount {
		return domain.Fill{}, e.reject(op, start, &domain.StateError{Op: op, Err: domain.ErrInsufficientAmount},
			slog.String("listing", ref.String()),
			slog.Uint64("requested", amount),
			slog.Uint64("available", l.Amount))
	}

	totalPrice, err := domain.TotalPrice(l.Price, amount, scale)
	if err != nil {
		return domain.Fill{}, e.reject(op, start, err, slog.String("listing", ref.String()))
	}

	// 1. pay seller, 2. release escrow; both staged, applied together
	tx := e.ledger.Begin()
	if err := tx.TransferCurrency(domain.UserSigner(buyer), buyer, l.Seller, totalPrice); err != nil {
		tx.Rollback()
		return domain.Fill{}, e.reject(op, start, err, slog.String("buyer", buyer.String()))
	}
	if err := tx.TransferAsset(e.listingSigner(&l), l.Escrow, buyer, amount); err != nil {
		tx.Rollback()
		return domain.Fill{}, e.reject(op, start, err, slog.String("listing", ref.String()))
	}

	// 3. update listing, 4. deactivate when empty
	next := l
	next.Amount = safe.MustSubU64(l.Amount, amount)
	if next.Amount == 0 {
		next.IsActive = false
	}
	now := time.Now()
	next.UpdatedAt = now

	fill := domain.Fill{
		ID:         uuid.NewString(),
		Seller:     l.Seller,
		ListingID:  l.ListingID,
		Buyer:      buyer,
		Amount:     amount,
		TotalPrice: totalPrice,
		Remaining:  next.Amount,
		CreatedAt:  now,
	}
	ev := e.newEvent(event.EvListingFilled, &next, buyer)
	ev.Amount = amount
	ev.TotalPrice = totalPrice

	err = e.commit(ctx, storage.Transition{Listing: &next, Fill: &fill, Event: &ev}, tx, func() {
		s.listing = next
	})
	if err != nil {
		return domain.Fill{}, e.reject(op, start, err, slog.String("listing", ref.String()))
	}

	e.metrics.RecordFill(amount, totalPrice, !next.IsActive)
	e.metrics.RecordTransition(time.Since(start))
	slog.Info("LISTING_FILLED",
		slog.String("listing", ref.String()),
		slog.String("buyer", buyer.String()),
		slog.Uint64("amount", amount),
		slog.Uint64("total_price", totalPrice),
		slog.Uint64("remaining", next.Amount))
	return fill, nil
}

// CancelListing returns everything left in escrow to the seller and deactivates
// the listing. There is no partial cancel.
func (e *Engine) CancelListing(ctx context.Context, seller domain.Pubkey, ref domain.ListingRef) error {
	const op = "cancel_listing"
	start := time.Now()

	s, err := e.slot(ref, op)
	if err != nil {
		return e.reject(op, start, err, slog.String("listing", ref.String()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return e.reject(op, start, &domain.StateError{Op: op, Err: domain.ErrListingNotFound})
	}
	l := s.listing
	if l.Seller != seller {
		return e.reject(op, start, &domain.AuthorizationError{Op: op, Caller: seller, Err: domain.ErrUnauthorized},
			slog.String("listing", ref.String()))
	}
	if !l.IsActive {
		return e.reject(op, start, &domain.StateError{Op: op, Err: domain.ErrListingNotActive},
			slog.String("listing", ref.String()))
	}

	refund := l.Amount
	tx := e.ledger.Begin()
	if err := tx.TransferAsset(e.listingSigner(&l), l.Escrow, l.Seller, refund); err != nil {
		tx.Rollback()
		return e.reject(op, start, err, slog.String("listing", ref.String()))
	}

	next := l
	next.Amount = 0
	next.IsActive = false
	next.Cancelled = true
	next.UpdatedAt = time.Now()

	ev := e.newEvent(event.EvListingCancelled, &next, seller)
	ev.Amount = refund

	err = e.commit(ctx, storage.Transition{Listing: &next, Event: &ev}, tx, func() {
		s.listing = next
	})
	if err != nil {
		return e.reject(op, start, err, slog.String("listing", ref.String()))
	}

	e.metrics.RecordCancelled()
	e.metrics.RecordTransition(time.Since(start))
	slog.Info("LISTING_CANCELLED",
		slog.String("listing", ref.String()),
		slog.Uint64("refund", refund))
	return nil
}

// CloseListing releases a terminal, drained listing record and its empty escrow holding.
func (e *Engine) CloseListing(ctx context.Context, seller domain.Pubkey, ref domain.ListingRef) error {
	const op = "close_listing"
	start := time.Now()

	s, err := e.slot(ref, op)
	if err != nil {
		return e.reject(op, start, err, slog.String("listing", ref.String()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return e.reject(op, start, &domain.StateError{Op: op, Err: domain.ErrListingNotFound})
	}
	l := s.listing
	if l.Seller != seller {
		return e.reject(op, start, &domain.AuthorizationError{Op: op, Caller: seller, Err: domain.ErrUnauthorized},
			slog.String("listing", ref.String()))
	}
	if l.IsActive {
		return e.reject(op, start, &domain.StateError{Op: op, Err: domain.ErrListingStillActive},
			slog.String("listing", ref.String()))
	}
	if l.Amount != 0 {
		return e.reject(op, start, &domain.StateError{Op: op, Err: domain.ErrListingHasTokens},
			slog.String("listing", ref.String()))
	}

	tx := e.ledger.Begin()
	if err := tx.CloseHolding(e.listingSigner(&l), l.Escrow); err != nil {
		tx.Rollback()
		return e.reject(op, start, err, slog.String("listing", ref.String()))
	}

	ev := e.newEvent(event.EvListingClosed, &l, seller)
	err = e.commit(ctx, storage.Transition{Delete: &ref, Event: &ev}, tx, func() {
		s.closed = true
		e.mu.Lock()
		delete(e.listings, ref)
		delete(e.addrs, l.Address)
		delete(e.addrs, l.Escrow)
		e.mu.Unlock()
	})
	if err != nil {
		return e.reject(op, start, err, slog.String("listing", ref.String()))
	}

	e.metrics.RecordClosed()
	e.metrics.RecordTransition(time.Since(start))
	slog.Info("LISTING_CLOSED", slog.String("listing", ref.String()), slog.String("final_state", string(l.State())))
	return nil
}

// MintAsset issues new asset units to a holder, signing as the shared
// mint-authority custodian. One-time setup, outside the trading invariants.
func (e *Engine) MintAsset(ctx context.Context, to domain.Pubkey, amount uint64) error {
	const op = "mint_asset"
	start := time.Now()

	if amount == 0 {
		return e.reject(op, start, &domain.ValidationError{Field: "amount", Err: domain.ErrInvalidAmount})
	}
	signer, err := e.deriver.Signer(authority.MintAuthoritySeeds()...)
	if err != nil {
		return e.reject(op, start, err)
	}

	tx := e.ledger.Begin()
	if err := tx.Mint(signer, to, amount); err != nil {
		tx.Rollback()
		return e.reject(op, start, err, slog.String("to", to.String()))
	}
	if err := e.commit(ctx, storage.Transition{}, tx, nil); err != nil {
		return e.reject(op, start, err, slog.String("to", to.String()))
	}

	slog.Info("ASSET_MINTED", slog.String("to", to.String()), slog.String("amount", domain.FormatUnits(amount, domain.AssetDecimals)))
	return nil
}

// Airdrop credits settlement currency to an account. It stands in for the
// funding an external rail provides and is persisted like any transition.
func (e *Engine) Airdrop(ctx context.Context, to domain.Pubkey, amount uint64) error {
	const op = "airdrop"
	start := time.Now()

	if amount == 0 {
		return e.reject(op, start, &domain.ValidationError{Field: "amount", Err: domain.ErrInvalidAmount})
	}

	tx := e.ledger.Begin()
	if err := tx.Airdrop(to, amount); err != nil {
		tx.Rollback()
		return e.reject(op, start, err, slog.String("to", to.String()))
	}
	if err := e.commit(ctx, storage.Transition{}, tx, nil); err != nil {
		return e.reject(op, start, err, slog.String("to", to.String()))
	}

	slog.Info("CURRENCY_AIRDROPPED", slog.String("to", to.String()), slog.Uint64("amount", amount))
	return nil
}
