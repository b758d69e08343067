// Package settlement is an in-process settlement rail: asset holdings, native
// currency balances, and all-or-nothing transfer batches.
package settlement

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"escrow_dex/internal/authority"
	"escrow_dex/internal/domain"
	"escrow_dex/pkg/safe"
)

type holding struct {
	owner   domain.Pubkey
	balance uint64
}

// Ledger holds every asset holding and currency balance.
type Ledger struct {
	mu       sync.RWMutex
	deriver  *authority.Deriver
	mintAuth domain.Pubkey
	holdings map[domain.Pubkey]*holding
	currency map[domain.Pubkey]uint64
	supply   uint64
}

// NewLedger creates an empty ledger whose mint is controlled by the derived
// "mint-authority" identity of deriver.
func NewLedger(deriver *authority.Deriver) (*Ledger, error) {
	mintAuth, _, err := deriver.FindAddress(authority.MintAuthoritySeeds()...)
	if err != nil {
		return nil, fmt.Errorf("failed to derive mint authority: %w", err)
	}
	return &Ledger{
		deriver:  deriver,
		mintAuth: mintAuth,
		holdings: make(map[domain.Pubkey]*holding),
		currency: make(map[domain.Pubkey]uint64),
	}, nil
}

// MintAuthority returns the derived identity allowed to mint.
func (l *Ledger) MintAuthority() domain.Pubkey {
	return l.mintAuth
}

// Begin opens a unit of work.
func (l *Ledger) Begin() domain.SettlementTx {
	return &Tx{ledger: l}
}

// Mint creates new asset units in the holding `to` in a transaction of its own.
func (l *Ledger) Mint(signer domain.Signer, to domain.Pubkey, amount uint64) error {
	tx := l.Begin()
	if err := tx.Mint(signer, to, amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug("SETTLEMENT_MINT", slog.String("to", to.String()), slog.Uint64("amount", amount))
	return nil
}

// Airdrop credits native currency in a transaction of its own.
func (l *Ledger) Airdrop(to domain.Pubkey, amount uint64) error {
	tx := l.Begin()
	if err := tx.Airdrop(to, amount); err != nil {
		return err
	}
	return tx.Commit()
}

// AssetBalance returns the asset units in a holding, zero if absent.
func (l *Ledger) AssetBalance(addr domain.Pubkey) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if h, ok := l.holdings[addr]; ok {
		return h.balance
	}
	return 0
}

// CurrencyBalance returns the native currency held by account.
func (l *Ledger) CurrencyBalance(account domain.Pubkey) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currency[account]
}

// HoldingExists reports whether addr is an open holding.
func (l *Ledger) HoldingExists(addr domain.Pubkey) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.holdings[addr]
	return ok
}

// HoldingOwner returns the authority of an open holding.
func (l *Ledger) HoldingOwner(addr domain.Pubkey) (domain.Pubkey, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.holdings[addr]
	if !ok {
		return domain.Pubkey{}, false
	}
	return h.owner, true
}

// Supply returns the total minted asset units.
func (l *Ledger) Supply() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply
}

// authorize checks that signer may act as owner.
// Derived identities have no private key, so a bare key claiming one is refused;
// they pass only by re-deriving from seeds and bump.
func (l *Ledger) authorize(signer domain.Signer, owner domain.Pubkey) error {
	if signer.Key != owner {
		return domain.ErrUnauthorized
	}
	if signer.IsDerived() {
		if !l.deriver.Verify(signer) {
			return domain.ErrUnauthorized
		}
		return nil
	}
	if authority.IsOffCurve(owner) {
		return domain.ErrUnauthorized
	}
	return nil
}

// accounts reads the current state of addrs. Caller holds the lock.
func (l *Ledger) accounts(addrs []domain.Pubkey) []domain.LedgerAccount {
	out := make([]domain.LedgerAccount, 0, len(addrs))
	for _, addr := range addrs {
		acct := domain.LedgerAccount{Address: addr, Currency: l.currency[addr]}
		if h, ok := l.holdings[addr]; ok {
			acct.Owner = h.owner
			acct.HasHolding = true
			acct.Asset = h.balance
		}
		out = append(out, acct)
	}
	return out
}

// Snapshot returns every account in address order.
func (l *Ledger) Snapshot() []domain.LedgerAccount {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byAddr := make(map[domain.Pubkey]*domain.LedgerAccount, len(l.holdings)+len(l.currency))
	for addr, h := range l.holdings {
		byAddr[addr] = &domain.LedgerAccount{Address: addr, Owner: h.owner, HasHolding: true, Asset: h.balance}
	}
	for addr, c := range l.currency {
		acct, ok := byAddr[addr]
		if !ok {
			acct = &domain.LedgerAccount{Address: addr}
			byAddr[addr] = acct
		}
		acct.Currency = c
	}

	out := make([]domain.LedgerAccount, 0, len(byAddr))
	for _, acct := range byAddr {
		out = append(out, *acct)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// Load replaces the ledger contents with a snapshot. Supply is recomputed
// from the holdings since nothing is ever burned.
func (l *Ledger) Load(accounts []domain.LedgerAccount) error {
	holdings := make(map[domain.Pubkey]*holding)
	currency := make(map[domain.Pubkey]uint64)
	var supply uint64
	for _, a := range accounts {
		if a.HasHolding {
			holdings[a.Address] = &holding{owner: a.Owner, balance: a.Asset}
			next, err := safe.AddU64(supply, a.Asset)
			if err != nil {
				return &domain.SettlementError{Op: "load", Err: domain.ErrOverflow}
			}
			supply = next
		}
		if a.Currency != 0 {
			currency[a.Address] = a.Currency
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdings = holdings
	l.currency = currency
	l.supply = supply
	return nil
}
