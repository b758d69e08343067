package authority

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"escrow_dex/internal/domain"
)

func newDeriver(t *testing.T) *Deriver {
	t.Helper()
	d, err := NewDeriver(ProgramIDFromName("escrow-dex-test"))
	if err != nil {
		t.Fatalf("NewDeriver failed: %v", err)
	}
	return d
}

func walletKey(t *testing.T) domain.Pubkey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	var p domain.Pubkey
	copy(p[:], pub)
	return p
}

func TestFindAddressDeterministic(t *testing.T) {
	d := newDeriver(t)
	seller := walletKey(t)

	a1, b1, err := d.FindAddress(ListingSeeds(seller, 0)...)
	if err != nil {
		t.Fatalf("FindAddress failed: %v", err)
	}
	a2, b2, err := d.FindAddress(ListingSeeds(seller, 0)...)
	if err != nil {
		t.Fatalf("FindAddress failed: %v", err)
	}
	if a1 != a2 || b1 != b2 {
		t.Errorf("derivation not deterministic: %s/%d vs %s/%d", a1, b1, a2, b2)
	}
	if IsOnCurve(a1) {
		t.Error("derived address must be off curve")
	}
}

func TestDistinctContextsYieldDistinctAddresses(t *testing.T) {
	d := newDeriver(t)
	seller := walletKey(t)
	other := walletKey(t)

	seen := make(map[domain.Pubkey]string)
	record := func(label string, seeds [][]byte) {
		addr, _, err := d.FindAddress(seeds...)
		if err != nil {
			t.Fatalf("%s: %v", label, err)
		}
		if prev, ok := seen[addr]; ok {
			t.Fatalf("%s collides with %s", label, prev)
		}
		seen[addr] = label
	}

	record("mint", MintAuthoritySeeds())
	record("marketplace", MarketplaceSeeds())
	for id := uint64(0); id < 20; id++ {
		record("seller-"+string(rune('a'+id)), ListingSeeds(seller, id))
		record("other-"+string(rune('a'+id)), ListingSeeds(other, id))
	}
}

func TestProgramIDScopesDerivation(t *testing.T) {
	d1 := newDeriver(t)
	d2, err := NewDeriver(ProgramIDFromName("another-deployment"))
	if err != nil {
		t.Fatalf("NewDeriver failed: %v", err)
	}

	a1, _, _ := d1.FindAddress(MintAuthoritySeeds()...)
	a2, _, _ := d2.FindAddress(MintAuthoritySeeds()...)
	if a1 == a2 {
		t.Error("different program ids must derive different addresses")
	}
}

func TestDeriveMatchesSeedHelpers(t *testing.T) {
	d := newDeriver(t)
	listing, _, err := d.FindAddress(MarketplaceSeeds()...)
	if err != nil {
		t.Fatalf("FindAddress failed: %v", err)
	}

	viaHelper, bump1, _ := d.FindAddress(EscrowSeeds(listing)...)
	viaDerive, bump2, _ := d.Derive(NamespaceEscrow, listing[:])
	if viaHelper != viaDerive || bump1 != bump2 {
		t.Error("Derive and EscrowSeeds disagree")
	}
}

func TestVerify(t *testing.T) {
	d := newDeriver(t)
	seller := walletKey(t)

	signer, err := d.Signer(ListingSeeds(seller, 3)...)
	if err != nil {
		t.Fatalf("Signer failed: %v", err)
	}
	if !d.Verify(signer) {
		t.Fatal("correct seeds and bump must verify")
	}

	t.Run("wrong bump", func(t *testing.T) {
		bad := signer
		bad.Bump = signer.Bump - 1
		if d.Verify(bad) {
			t.Error("wrong bump must not verify")
		}
	})

	t.Run("wrong context", func(t *testing.T) {
		bad := signer
		bad.Seeds = ListingSeeds(seller, 4)
		if d.Verify(bad) {
			t.Error("seeds of another listing must not verify")
		}
	})

	t.Run("no seeds", func(t *testing.T) {
		if d.Verify(domain.UserSigner(signer.Key)) {
			t.Error("a bare key must not verify as derived")
		}
	})
}

func TestCreateAddressRejectsBadSeeds(t *testing.T) {
	d := newDeriver(t)

	long := make([]byte, MaxSeedLength+1)
	if _, err := d.CreateAddress([][]byte{long}, 255); !errors.Is(err, ErrInvalidSeeds) {
		t.Errorf("expected ErrInvalidSeeds for long seed, got %v", err)
	}

	many := make([][]byte, MaxSeeds)
	if _, err := d.CreateAddress(many, 255); !errors.Is(err, ErrInvalidSeeds) {
		t.Errorf("expected ErrInvalidSeeds for too many seeds, got %v", err)
	}
}

func TestWalletKeysAreOnCurve(t *testing.T) {
	for i := 0; i < 10; i++ {
		if !IsOnCurve(walletKey(t)) {
			t.Fatal("ed25519 public keys must be on curve")
		}
	}
}

func TestNewDeriverRejectsZeroProgram(t *testing.T) {
	if _, err := NewDeriver(domain.Pubkey{}); !errors.Is(err, ErrZeroProgramID) {
		t.Errorf("expected ErrZeroProgramID, got %v", err)
	}
}
