package settlement

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"escrow_dex/internal/authority"
	"escrow_dex/internal/domain"
)

func setupLedger(t *testing.T) (*Ledger, *authority.Deriver) {
	t.Helper()
	d, err := authority.NewDeriver(authority.ProgramIDFromName("ledger-test"))
	if err != nil {
		t.Fatalf("NewDeriver failed: %v", err)
	}
	l, err := NewLedger(d)
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	return l, d
}

func newWallet(t *testing.T) domain.Pubkey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	var p domain.Pubkey
	copy(p[:], pub)
	return p
}

func mintSigner(t *testing.T, d *authority.Deriver) domain.Signer {
	t.Helper()
	s, err := d.Signer(authority.MintAuthoritySeeds()...)
	if err != nil {
		t.Fatalf("mint signer: %v", err)
	}
	return s
}

func TestLedger_ImplementsSettlement(t *testing.T) {
	var _ domain.Settlement = (*Ledger)(nil)
	var _ domain.SettlementTx = (*Tx)(nil)
}

func TestLedger_Mint(t *testing.T) {
	l, d := setupLedger(t)
	alice := newWallet(t)

	if err := l.Mint(mintSigner(t, d), alice, 100); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if got := l.AssetBalance(alice); got != 100 {
		t.Errorf("Expected 100, got %d", got)
	}
	if l.Supply() != 100 {
		t.Errorf("Expected supply 100, got %d", l.Supply())
	}

	t.Run("wallet cannot mint", func(t *testing.T) {
		err := l.Mint(domain.UserSigner(alice), alice, 1)
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("bare mint authority key cannot mint", func(t *testing.T) {
		err := l.Mint(domain.UserSigner(l.MintAuthority()), alice, 1)
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})
}

func TestTx_TransferCommit(t *testing.T) {
	l, d := setupLedger(t)
	alice, bob := newWallet(t), newWallet(t)
	l.Mint(mintSigner(t, d), alice, 50)
	l.Airdrop(bob, 1_000)

	tx := l.Begin()
	if err := tx.TransferAsset(domain.UserSigner(alice), alice, bob, 20); err != nil {
		t.Fatalf("TransferAsset failed: %v", err)
	}
	if err := tx.TransferCurrency(domain.UserSigner(bob), bob, alice, 300); err != nil {
		t.Fatalf("TransferCurrency failed: %v", err)
	}

	// Nothing visible before commit
	if l.AssetBalance(bob) != 0 || l.CurrencyBalance(alice) != 0 {
		t.Fatal("staged moves must not be visible before Commit")
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if l.AssetBalance(alice) != 30 || l.AssetBalance(bob) != 20 {
		t.Errorf("asset balances: alice=%d bob=%d", l.AssetBalance(alice), l.AssetBalance(bob))
	}
	if l.CurrencyBalance(alice) != 300 || l.CurrencyBalance(bob) != 700 {
		t.Errorf("currency balances: alice=%d bob=%d", l.CurrencyBalance(alice), l.CurrencyBalance(bob))
	}
	if !tx.Committed() {
		t.Error("Committed should be true")
	}
}

func TestTx_StagingSeesEarlierMoves(t *testing.T) {
	l, d := setupLedger(t)
	alice, bob := newWallet(t), newWallet(t)
	l.Mint(mintSigner(t, d), alice, 10)

	tx := l.Begin()
	if err := tx.TransferAsset(domain.UserSigner(alice), alice, bob, 8); err != nil {
		t.Fatalf("first transfer failed: %v", err)
	}
	err := tx.TransferAsset(domain.UserSigner(alice), alice, bob, 8)
	if !errors.Is(err, domain.ErrInsufficientFunds) || !domain.IsSettlement(err) {
		t.Fatalf("second transfer should see the first, got %v", err)
	}
	tx.Rollback()

	if l.AssetBalance(alice) != 10 {
		t.Errorf("rollback must leave balances untouched, alice=%d", l.AssetBalance(alice))
	}
	if err := tx.Commit(); err == nil {
		t.Error("Commit after Rollback should fail")
	}
}

func TestTx_CommitRevalidates(t *testing.T) {
	l, d := setupLedger(t)
	alice, bob, carol := newWallet(t), newWallet(t), newWallet(t)
	l.Mint(mintSigner(t, d), alice, 10)

	first := l.Begin()
	second := l.Begin()
	if err := first.TransferAsset(domain.UserSigner(alice), alice, bob, 10); err != nil {
		t.Fatalf("stage first: %v", err)
	}
	if err := second.TransferAsset(domain.UserSigner(alice), alice, carol, 10); err != nil {
		t.Fatalf("stage second: %v", err)
	}

	if err := first.Commit(); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := second.Commit(); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("second commit must fail on stale funds, got %v", err)
	}
	if l.AssetBalance(carol) != 0 || l.AssetBalance(bob) != 10 {
		t.Errorf("double spend: bob=%d carol=%d", l.AssetBalance(bob), l.AssetBalance(carol))
	}
}

func TestTx_DerivedCustody(t *testing.T) {
	l, d := setupLedger(t)
	seller, buyer := newWallet(t), newWallet(t)
	l.Mint(mintSigner(t, d), seller, 100)

	listingSigner, err := d.Signer(authority.ListingSeeds(seller, 0)...)
	if err != nil {
		t.Fatalf("listing signer: %v", err)
	}
	escrow, _, _ := d.FindAddress(authority.EscrowSeeds(listingSigner.Key)...)

	fund := l.Begin()
	if err := fund.OpenHolding(escrow, listingSigner.Key); err != nil {
		t.Fatalf("OpenHolding: %v", err)
	}
	if err := fund.TransferAsset(domain.UserSigner(seller), seller, escrow, 60); err != nil {
		t.Fatalf("fund escrow: %v", err)
	}
	if err := fund.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	t.Run("seller cannot pull from escrow", func(t *testing.T) {
		tx := l.Begin()
		err := tx.TransferAsset(domain.UserSigner(seller), escrow, seller, 1)
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("bare derived key is refused", func(t *testing.T) {
		tx := l.Begin()
		err := tx.TransferAsset(domain.UserSigner(listingSigner.Key), escrow, buyer, 1)
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("seeds of another listing are refused", func(t *testing.T) {
		forged := listingSigner
		forged.Seeds = authority.ListingSeeds(seller, 1)
		tx := l.Begin()
		err := tx.TransferAsset(forged, escrow, buyer, 1)
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("re-derived signer releases escrow", func(t *testing.T) {
		tx := l.Begin()
		if err := tx.TransferAsset(listingSigner, escrow, buyer, 60); err != nil {
			t.Fatalf("release: %v", err)
		}
		if err := tx.CloseHolding(listingSigner, escrow); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
		if l.AssetBalance(buyer) != 60 || l.HoldingExists(escrow) {
			t.Errorf("buyer=%d escrowExists=%v", l.AssetBalance(buyer), l.HoldingExists(escrow))
		}
	})
}

func TestTx_CloseHoldingRequiresEmpty(t *testing.T) {
	l, d := setupLedger(t)
	owner := newWallet(t)
	l.Mint(mintSigner(t, d), owner, 5)

	tx := l.Begin()
	if err := tx.CloseHolding(domain.UserSigner(owner), owner); !errors.Is(err, domain.ErrAccountNotEmpty) {
		t.Errorf("expected ErrAccountNotEmpty, got %v", err)
	}
}

func TestTx_Revert(t *testing.T) {
	l, d := setupLedger(t)
	seller, buyer := newWallet(t), newWallet(t)
	l.Mint(mintSigner(t, d), seller, 40)
	l.Airdrop(buyer, 500)

	listing, _ := d.Signer(authority.ListingSeeds(seller, 9)...)
	escrow, _, _ := d.FindAddress(authority.EscrowSeeds(listing.Key)...)

	tx := l.Begin()
	tx.OpenHolding(escrow, listing.Key)
	tx.TransferAsset(domain.UserSigner(seller), seller, escrow, 40)
	tx.TransferCurrency(domain.UserSigner(buyer), buyer, seller, 200)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := tx.Revert(); err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	if l.AssetBalance(seller) != 40 || l.HoldingExists(escrow) {
		t.Errorf("asset not restored: seller=%d escrowExists=%v", l.AssetBalance(seller), l.HoldingExists(escrow))
	}
	if l.CurrencyBalance(buyer) != 500 || l.CurrencyBalance(seller) != 0 {
		t.Errorf("currency not restored: buyer=%d seller=%d", l.CurrencyBalance(buyer), l.CurrencyBalance(seller))
	}
	if err := tx.Revert(); err == nil {
		t.Error("second Revert should fail")
	}
}

func TestTx_TransferToUnopenedDerivedHolding(t *testing.T) {
	l, d := setupLedger(t)
	seller := newWallet(t)
	l.Mint(mintSigner(t, d), seller, 5)

	listing, _ := d.Signer(authority.ListingSeeds(seller, 0)...)
	escrow, _, _ := d.FindAddress(authority.EscrowSeeds(listing.Key)...)

	tx := l.Begin()
	err := tx.TransferAsset(domain.UserSigner(seller), seller, escrow, 5)
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestLedger_SnapshotLoad(t *testing.T) {
	l, d := setupLedger(t)
	alice := newWallet(t)
	bob := newWallet(t)
	escrow, _, err := d.FindAddress([]byte("escrow"), alice[:])
	if err != nil {
		t.Fatalf("FindAddress failed: %v", err)
	}

	if err := l.Mint(mintSigner(t, d), alice, 100); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if err := l.Airdrop(bob, 50); err != nil {
		t.Fatalf("Airdrop failed: %v", err)
	}
	tx := l.Begin()
	if err := tx.OpenHolding(escrow, alice); err != nil {
		t.Fatalf("OpenHolding failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	snap := l.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Expected 3 accounts, got %d", len(snap))
	}

	restored, _ := setupLedger(t)
	if err := restored.Load(snap); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if restored.AssetBalance(alice) != 100 || restored.CurrencyBalance(bob) != 50 {
		t.Errorf("Balances not restored")
	}
	if restored.Supply() != 100 {
		t.Errorf("Expected supply 100, got %d", restored.Supply())
	}
	if !restored.HoldingExists(escrow) {
		t.Errorf("Empty holding lost")
	}
	if restored.HoldingExists(bob) {
		t.Errorf("Currency-only account became a holding")
	}
}

func TestTx_MintAirdropAccountsRevert(t *testing.T) {
	l, d := setupLedger(t)
	alice, bob := newWallet(t), newWallet(t)

	tx := l.Begin()
	if err := tx.Mint(mintSigner(t, d), alice, 30); err != nil {
		t.Fatalf("stage mint: %v", err)
	}
	if err := tx.Airdrop(bob, 70); err != nil {
		t.Fatalf("stage airdrop: %v", err)
	}
	if err := tx.Mint(domain.UserSigner(alice), alice, 1); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("wallet mint must be refused, got %v", err)
	}
	if tx.Accounts() != nil {
		t.Errorf("Accounts must be empty before commit")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	accounts := tx.Accounts()
	if len(accounts) != 2 {
		t.Fatalf("Expected 2 touched accounts, got %+v", accounts)
	}
	for _, a := range accounts {
		switch a.Address {
		case alice:
			if !a.HasHolding || a.Asset != 30 || a.Owner != alice {
				t.Errorf("Unexpected alice account %+v", a)
			}
		case bob:
			if a.HasHolding || a.Currency != 70 {
				t.Errorf("Unexpected bob account %+v", a)
			}
		default:
			t.Errorf("Untouched account reported %+v", a)
		}
	}
	if l.Supply() != 30 {
		t.Errorf("Expected supply 30, got %d", l.Supply())
	}

	if err := tx.Revert(); err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	if l.AssetBalance(alice) != 0 || l.CurrencyBalance(bob) != 0 || l.Supply() != 0 {
		t.Errorf("Revert left alice=%d bob=%d supply=%d", l.AssetBalance(alice), l.CurrencyBalance(bob), l.Supply())
	}
}
