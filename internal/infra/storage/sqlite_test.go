package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"escrow_dex/internal/domain"
	"escrow_dex/internal/event"
)

func setupTestDB(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func key(b byte) domain.Pubkey {
	var p domain.Pubkey
	for i := range p {
		p[i] = b
	}
	return p
}

func sampleListing(id uint64) *domain.Listing {
	return &domain.Listing{
		Seller:        key(1),
		ListingID:     id,
		Address:       key(byte(10 + id)),
		Escrow:        key(byte(100 + id)),
		Bump:          254,
		Price:         2_000_000_000,
		Amount:        5_000_000,
		InitialAmount: 5_000_000,
		IsActive:      true,
		CreatedAt:     time.Now(),
	}
}

func TestMarketplaceRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	m, err := s.LoadMarketplace(ctx)
	if err != nil {
		t.Fatalf("LoadMarketplace failed: %v", err)
	}
	if m != nil {
		t.Fatal("expected no marketplace before initialization")
	}

	want := &domain.Marketplace{
		ID:           domain.MarketplaceRowID,
		Address:      key(7),
		Authority:    key(8),
		ListingCount: 0,
		PriceScale:   domain.DefaultPriceScale,
		MinAmount:    domain.DefaultMinListingAmount,
	}
	if err := s.Apply(ctx, Transition{Marketplace: want}, nil); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	want.ListingCount = 3
	if err := s.Apply(ctx, Transition{Marketplace: want}, nil); err != nil {
		t.Fatalf("Apply update failed: %v", err)
	}

	got, err := s.LoadMarketplace(ctx)
	if err != nil || got == nil {
		t.Fatalf("LoadMarketplace failed: %v", err)
	}
	if got.ListingCount != 3 || got.Authority != want.Authority {
		t.Errorf("unexpected marketplace %+v", got)
	}
}

func TestListingUpsertAndDelete(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	// Listing id 0 must be updatable in place
	l := sampleListing(0)
	if err := s.Apply(ctx, Transition{Listing: l}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	l.Amount = 1_000_000
	if err := s.Apply(ctx, Transition{Listing: l}, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetListing(ctx, l.Ref())
	if err != nil || got == nil {
		t.Fatalf("GetListing failed: %v", err)
	}
	if got.Amount != 1_000_000 || got.Seller != l.Seller || got.Escrow != l.Escrow {
		t.Errorf("unexpected listing %+v", got)
	}

	ref := l.Ref()
	if err := s.Apply(ctx, Transition{Delete: &ref}, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = s.GetListing(ctx, ref)
	if err != nil {
		t.Fatalf("GetListing after delete failed: %v", err)
	}
	if got != nil {
		t.Error("expected listing to be deleted, but found record")
	}

	if err := s.Apply(ctx, Transition{Delete: &ref}, nil); !errors.Is(err, domain.ErrListingNotFound) {
		t.Errorf("deleting twice should report ErrListingNotFound, got %v", err)
	}
}

func TestApplyRollsBackWhenCommitFails(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	l := sampleListing(4)
	ev := &event.ListingEvent{Seq: 1, Type: event.EvListingCreated, Seller: l.Seller, ListingID: l.ListingID}
	commitErr := errors.New("settlement refused")

	err := s.Apply(ctx, Transition{Listing: l, Event: ev}, func() ([]domain.LedgerAccount, error) { return nil, commitErr })
	if !errors.Is(err, commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}

	got, _ := s.GetListing(ctx, l.Ref())
	if got != nil {
		t.Error("listing must not be written when commit fails")
	}
	last, err := s.LastEventSeq(ctx)
	if err != nil {
		t.Fatalf("LastEventSeq failed: %v", err)
	}
	if last != 0 {
		t.Errorf("event must not be written when commit fails, last seq %d", last)
	}
}

func TestFillsAndEvents(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	l := sampleListing(2)
	s.Apply(ctx, Transition{Listing: l}, nil)

	for i := 1; i <= 3; i++ {
		fill := &domain.Fill{
			ID:         "fill-" + string(rune('0'+i)),
			Seller:     l.Seller,
			ListingID:  l.ListingID,
			Buyer:      key(9),
			Amount:     1_000_000,
			TotalPrice: 2_000_000,
			CreatedAt:  time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		ev := &event.ListingEvent{Seq: uint64(i), Type: event.EvListingFilled, Seller: l.Seller, ListingID: l.ListingID}
		if err := s.Apply(ctx, Transition{Fill: fill, Event: ev}, nil); err != nil {
			t.Fatalf("Apply fill %d failed: %v", i, err)
		}
	}

	fills, err := s.ListFills(ctx, l.Ref())
	if err != nil {
		t.Fatalf("ListFills failed: %v", err)
	}
	if len(fills) != 3 || fills[0].ID != "fill-1" {
		t.Errorf("unexpected fills %+v", fills)
	}

	events, err := s.ListEvents(ctx, 2, 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 2 || events[0].Type != event.EvListingFilled {
		t.Errorf("unexpected events %+v", events)
	}

	last, _ := s.LastEventSeq(ctx)
	if last != 3 {
		t.Errorf("expected last seq 3, got %d", last)
	}
}

func TestLoadListings(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []uint64{2, 0, 1} {
		s.Apply(ctx, Transition{Listing: sampleListing(id)}, nil)
	}

	listings, err := s.LoadListings(ctx)
	if err != nil {
		t.Fatalf("LoadListings failed: %v", err)
	}
	if len(listings) != 3 {
		t.Fatalf("expected 3 listings, got %d", len(listings))
	}
	for i, l := range listings {
		if l.ListingID != uint64(i) {
			t.Errorf("listing %d out of order: id %d", i, l.ListingID)
		}
	}
}

func TestSaveLedger_Replaces(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	empty, err := s.LoadLedger(ctx)
	if err != nil || len(empty) != 0 {
		t.Fatalf("Expected empty checkpoint, got %d (%v)", len(empty), err)
	}

	first := []domain.LedgerAccount{
		{Address: key(1), Owner: key(1), HasHolding: true, Asset: 500, Currency: 7},
		{Address: key(2), Currency: 9},
	}
	if err := s.SaveLedger(ctx, func() []domain.LedgerAccount { return first }); err != nil {
		t.Fatalf("SaveLedger failed: %v", err)
	}

	second := []domain.LedgerAccount{
		{Address: key(3), Owner: key(4), HasHolding: true},
	}
	if err := s.SaveLedger(ctx, func() []domain.LedgerAccount { return second }); err != nil {
		t.Fatalf("SaveLedger failed: %v", err)
	}

	got, err := s.LoadLedger(ctx)
	if err != nil {
		t.Fatalf("LoadLedger failed: %v", err)
	}
	if len(got) != 1 || got[0].Address != key(3) || got[0].Owner != key(4) || !got[0].HasHolding {
		t.Errorf("Checkpoint not replaced: %+v", got)
	}
}

func TestApplyWritesLedgerAccounts(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	seed := []domain.LedgerAccount{
		{Address: key(1), Owner: key(1), HasHolding: true, Asset: 10},
		{Address: key(2), Currency: 100},
	}
	if err := s.SaveLedger(ctx, func() []domain.LedgerAccount { return seed }); err != nil {
		t.Fatalf("SaveLedger failed: %v", err)
	}

	l := sampleListing(5)
	moved := []domain.LedgerAccount{
		{Address: key(1), Owner: key(1), HasHolding: true, Asset: 4, Currency: 100},
		{Address: key(2)},
		{Address: key(3), Owner: key(3), HasHolding: true, Asset: 6},
	}
	err := s.Apply(ctx, Transition{Listing: l}, func() ([]domain.LedgerAccount, error) { return moved, nil })
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got, err := s.LoadLedger(ctx)
	if err != nil {
		t.Fatalf("LoadLedger failed: %v", err)
	}
	byAddr := make(map[domain.Pubkey]domain.LedgerAccount, len(got))
	for _, a := range got {
		byAddr[a.Address] = a
	}
	if len(byAddr) != 2 {
		t.Fatalf("Expected 2 accounts, got %+v", got)
	}
	if a := byAddr[key(1)]; a.Asset != 4 || a.Currency != 100 {
		t.Errorf("Account 1 not updated: %+v", a)
	}
	if _, ok := byAddr[key(2)]; ok {
		t.Errorf("Emptied account 2 should be dropped")
	}
	if a := byAddr[key(3)]; !a.HasHolding || a.Asset != 6 {
		t.Errorf("Account 3 not created: %+v", a)
	}
}
