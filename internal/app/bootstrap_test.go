package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"escrow_dex/internal/domain"

	"github.com/gin-gonic/gin"
)

func writeTestConfig(t *testing.T, dir string, operator domain.Pubkey) string {
	t.Helper()
	body := fmt.Sprintf(`app:
  name: bootstrap-test
market:
  operator: %q
storage:
  path: %q
logging:
  level: warn
  dir: %q
`, operator.String(), filepath.Join(dir, "node.db"), filepath.Join(dir, "logs"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func wallet(t *testing.T) domain.Pubkey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	var p domain.Pubkey
	copy(p[:], pub)
	return p
}

func TestBootstrap_RestartKeepsState(t *testing.T) {
	dir := t.TempDir()
	operator := wallet(t)
	cfgPath := writeTestConfig(t, dir, operator)
	ctx := context.Background()

	first := NewBootstrap()
	if err := first.Initialize(ctx, cfgPath); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	m, err := first.Engine.Marketplace()
	if err != nil {
		t.Fatalf("Marketplace not auto-initialized: %v", err)
	}
	if m.Authority != operator {
		t.Errorf("Unexpected authority %s", m.Authority)
	}
	if gin.Mode() != gin.ReleaseMode {
		t.Errorf("Expected gin %s mode, got %s", gin.ReleaseMode, gin.Mode())
	}

	seller := wallet(t)
	buyer := wallet(t)
	if err := first.Engine.MintAsset(ctx, seller, 10_000_000); err != nil {
		t.Fatalf("MintAsset failed: %v", err)
	}
	if err := first.Engine.Airdrop(ctx, buyer, 1_000_000_000); err != nil {
		t.Fatalf("Airdrop failed: %v", err)
	}
	ref, err := first.Engine.CreateListing(ctx, seller, 1_000_000_000, 10_000_000)
	if err != nil {
		t.Fatalf("CreateListing failed: %v", err)
	}
	if _, err := first.Engine.BuyListing(ctx, buyer, ref, 4_000_000); err != nil {
		t.Fatalf("BuyListing failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second := NewBootstrap()
	if err := second.Initialize(ctx, cfgPath); err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}
	defer second.Close()

	l, err := second.Engine.GetListing(ref)
	if err != nil {
		t.Fatalf("GetListing failed: %v", err)
	}
	if l.Amount != 6_000_000 {
		t.Errorf("Expected 6000000 remaining, got %d", l.Amount)
	}
	if second.Ledger.AssetBalance(buyer) != 4_000_000 || second.Ledger.CurrencyBalance(seller) != 4_000_000 {
		t.Errorf("Balances not restored")
	}
	if v := second.Engine.Reconcile(); len(v) != 0 {
		t.Errorf("Reconcile found violations after restart: %+v", v)
	}
	if m, _ := second.Engine.Marketplace(); m.ListingCount != 1 {
		t.Errorf("Expected listing_count 1, got %d", m.ListingCount)
	}
}

func TestBootstrap_RestartWithoutCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, wallet(t))
	ctx := context.Background()

	first := NewBootstrap()
	if err := first.Initialize(ctx, cfgPath); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	seller := wallet(t)
	buyer := wallet(t)
	if err := first.Engine.MintAsset(ctx, seller, 10_000_000); err != nil {
		t.Fatalf("MintAsset failed: %v", err)
	}
	if err := first.Engine.Airdrop(ctx, buyer, 1_000_000_000); err != nil {
		t.Fatalf("Airdrop failed: %v", err)
	}
	ref, err := first.Engine.CreateListing(ctx, seller, 1_000_000_000, 10_000_000)
	if err != nil {
		t.Fatalf("CreateListing failed: %v", err)
	}
	if _, err := first.Engine.BuyListing(ctx, buyer, ref, 3_000_000); err != nil {
		t.Fatalf("BuyListing failed: %v", err)
	}
	// Process dies: storage goes away without a final ledger compaction.
	if err := first.Storage.Close(); err != nil {
		t.Fatalf("Storage.Close failed: %v", err)
	}

	second := NewBootstrap()
	if err := second.Initialize(ctx, cfgPath); err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}
	defer second.Close()

	if v := second.Engine.Reconcile(); len(v) != 0 {
		t.Fatalf("Reconcile found violations after restart: %+v", v)
	}
	l, err := second.Engine.GetListing(ref)
	if err != nil {
		t.Fatalf("GetListing failed: %v", err)
	}
	if got := second.Ledger.AssetBalance(l.Escrow); got != 7_000_000 || l.Amount != 7_000_000 {
		t.Errorf("Expected 7000000 in listing and escrow, got amount=%d escrow=%d", l.Amount, got)
	}
	if second.Ledger.AssetBalance(seller) != 0 {
		t.Errorf("Seller holds escrowed tokens again: %d", second.Ledger.AssetBalance(seller))
	}
	if second.Ledger.CurrencyBalance(buyer) != 997_000_000 {
		t.Errorf("Buyer currency not restored: %d", second.Ledger.CurrencyBalance(buyer))
	}

	if _, err := second.Engine.CreateListing(ctx, seller, 1_000_000_000, 7_000_000); err == nil {
		t.Errorf("Seller relisted escrowed tokens")
	}
	if err := second.Engine.CancelListing(ctx, seller, ref); err != nil {
		t.Fatalf("CancelListing failed: %v", err)
	}
	if err := second.Engine.CloseListing(ctx, seller, ref); err != nil {
		t.Fatalf("CloseListing failed: %v", err)
	}
	if second.Ledger.AssetBalance(seller) != 7_000_000 {
		t.Errorf("Expected refund of 7000000, got %d", second.Ledger.AssetBalance(seller))
	}
}

func TestBootstrap_MissingConfig(t *testing.T) {
	b := NewBootstrap()
	if err := b.Initialize(context.Background(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Expected error for missing config")
	}
}
