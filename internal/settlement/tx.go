package settlement

import (
	"bytes"
	"errors"
	"log/slog"
	"sort"

	"escrow_dex/internal/authority"
	"escrow_dex/internal/domain"
	"escrow_dex/pkg/safe"
)

type opKind uint8

const (
	opOpenHolding opKind = iota + 1
	opCloseHolding
	opTransferAsset
	opTransferCurrency
	opMint
	opAirdrop
)

func (k opKind) String() string {
	switch k {
	case opOpenHolding:
		return "open_holding"
	case opCloseHolding:
		return "close_holding"
	case opTransferAsset:
		return "transfer_asset"
	case opTransferCurrency:
		return "transfer_currency"
	case opMint:
		return "mint"
	case opAirdrop:
		return "airdrop"
	default:
		return "unknown"
	}
}

type op struct {
	kind   opKind
	signer domain.Signer
	from   domain.Pubkey
	to     domain.Pubkey
	owner  domain.Pubkey
	amount uint64
	undo   bool // mint and airdrop compensation
}

type txState uint8

const (
	txOpen txState = iota
	txCommitted
	txRolledBack
	txReverted
)

var errTxClosed = errors.New("transaction no longer open")

// Tx stages settlement moves and applies them as one unit.
type Tx struct {
	ledger   *Ledger
	ops      []op
	state    txState
	accounts []domain.LedgerAccount
}

func (tx *Tx) OpenHolding(addr, owner domain.Pubkey) error {
	return tx.stage(op{kind: opOpenHolding, to: addr, owner: owner})
}

func (tx *Tx) CloseHolding(signer domain.Signer, addr domain.Pubkey) error {
	return tx.stage(op{kind: opCloseHolding, signer: signer, from: addr})
}

func (tx *Tx) TransferAsset(signer domain.Signer, from, to domain.Pubkey, amount uint64) error {
	return tx.stage(op{kind: opTransferAsset, signer: signer, from: from, to: to, amount: amount})
}

func (tx *Tx) TransferCurrency(signer domain.Signer, from, to domain.Pubkey, amount uint64) error {
	return tx.stage(op{kind: opTransferCurrency, signer: signer, from: from, to: to, amount: amount})
}

// Mint creates amount new asset units in the holding to. Only the mint
// authority may sign.
func (tx *Tx) Mint(signer domain.Signer, to domain.Pubkey, amount uint64) error {
	return tx.stage(op{kind: opMint, signer: signer, to: to, amount: amount})
}

// Airdrop credits native currency. It stands in for the funding a real rail provides.
func (tx *Tx) Airdrop(to domain.Pubkey, amount uint64) error {
	return tx.stage(op{kind: opAirdrop, to: to, amount: amount})
}

// stage validates o on top of the already staged moves. Nothing is applied.
func (tx *Tx) stage(o op) error {
	if tx.state != txOpen {
		return &domain.SettlementError{Op: o.kind.String(), Err: errTxClosed}
	}

	tx.ledger.mu.RLock()
	defer tx.ledger.mu.RUnlock()

	v := newView(tx.ledger)
	for i := range tx.ops {
		if err := v.apply(&tx.ops[i], true); err != nil {
			return &domain.SettlementError{Op: tx.ops[i].kind.String(), Err: err}
		}
	}
	if err := v.apply(&o, true); err != nil {
		return &domain.SettlementError{Op: o.kind.String(), Err: err}
	}
	tx.ops = append(tx.ops, o)
	return nil
}

// Commit re-validates every staged move under the write lock and applies all of them.
func (tx *Tx) Commit() error {
	if tx.state != txOpen {
		return &domain.SettlementError{Op: "commit", Err: errTxClosed}
	}

	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	v := newView(l)
	for i := range tx.ops {
		if err := v.apply(&tx.ops[i], true); err != nil {
			tx.state = txRolledBack
			return &domain.SettlementError{Op: tx.ops[i].kind.String(), Err: err}
		}
	}
	v.flush()
	tx.state = txCommitted
	tx.accounts = l.accounts(tx.touched())
	return nil
}

// Accounts returns every account the committed transaction touched, as it
// stood right after the commit. Nil before Commit.
func (tx *Tx) Accounts() []domain.LedgerAccount {
	return tx.accounts
}

func (tx *Tx) touched() []domain.Pubkey {
	seen := make(map[domain.Pubkey]struct{}, 2*len(tx.ops))
	addrs := make([]domain.Pubkey, 0, 2*len(tx.ops))
	for _, o := range tx.ops {
		for _, a := range [2]domain.Pubkey{o.from, o.to} {
			if a.IsZero() {
				continue
			}
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			addrs = append(addrs, a)
		}
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
	return addrs
}

// Rollback discards staged moves. Safe to call on a finished transaction.
func (tx *Tx) Rollback() {
	if tx.state == txOpen {
		tx.state = txRolledBack
		tx.ops = nil
	}
}

// Revert undoes a committed transaction by applying the inverse moves in reverse order.
func (tx *Tx) Revert() error {
	if tx.state != txCommitted {
		return &domain.SettlementError{Op: "revert", Err: errTxClosed}
	}

	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	v := newView(l)
	for i := len(tx.ops) - 1; i >= 0; i-- {
		inv := tx.ops[i].inverse()
		if err := v.apply(&inv, false); err != nil {
			slog.Error("SETTLEMENT_REVERT_FAILED", slog.String("op", tx.ops[i].kind.String()), slog.Any("error", err))
			return &domain.SettlementError{Op: "revert", Err: err}
		}
	}
	v.flush()
	tx.state = txReverted
	return nil
}

func (tx *Tx) Committed() bool {
	return tx.state == txCommitted
}

func (o op) inverse() op {
	switch o.kind {
	case opOpenHolding:
		return op{kind: opCloseHolding, from: o.to}
	case opCloseHolding:
		return op{kind: opOpenHolding, to: o.from, owner: o.owner}
	case opMint, opAirdrop:
		inv := o
		inv.undo = !o.undo
		return inv
	default:
		return op{kind: o.kind, from: o.to, to: o.from, amount: o.amount}
	}
}

// view is a copy-on-touch overlay of the ledger used to simulate a batch.
// A nil holding entry marks a holding closed inside the batch.
type view struct {
	l         *Ledger
	holdings  map[domain.Pubkey]*holding
	currency  map[domain.Pubkey]uint64
	supply    uint64
	supplySet bool
}

func newView(l *Ledger) *view {
	return &view{
		l:        l,
		holdings: make(map[domain.Pubkey]*holding),
		currency: make(map[domain.Pubkey]uint64),
	}
}

func (v *view) holding(addr domain.Pubkey) (*holding, bool) {
	if h, ok := v.holdings[addr]; ok {
		return h, h != nil
	}
	if h, ok := v.l.holdings[addr]; ok {
		c := *h
		v.holdings[addr] = &c
		return &c, true
	}
	return nil, false
}

func (v *view) balance(addr domain.Pubkey) uint64 {
	if b, ok := v.currency[addr]; ok {
		return b
	}
	return v.l.currency[addr]
}

func (v *view) totalSupply() uint64 {
	if v.supplySet {
		return v.supply
	}
	return v.l.supply
}

func (v *view) setSupply(s uint64) {
	v.supply = s
	v.supplySet = true
}

// apply runs o against the overlay. checkAuth is false only for compensation.
func (v *view) apply(o *op, checkAuth bool) error {
	switch o.kind {
	case opOpenHolding:
		if _, ok := v.holding(o.to); ok {
			return domain.ErrAccountExists
		}
		v.holdings[o.to] = &holding{owner: o.owner}

	case opCloseHolding:
		h, ok := v.holding(o.from)
		if !ok {
			return domain.ErrAccountNotFound
		}
		if checkAuth {
			if err := v.l.authorize(o.signer, h.owner); err != nil {
				return err
			}
		}
		if h.balance != 0 {
			return domain.ErrAccountNotEmpty
		}
		o.owner = h.owner
		v.holdings[o.from] = nil

	case opTransferAsset:
		src, ok := v.holding(o.from)
		if !ok {
			return domain.ErrAccountNotFound
		}
		if checkAuth {
			if err := v.l.authorize(o.signer, src.owner); err != nil {
				return err
			}
		}
		if src.balance < o.amount {
			return domain.ErrInsufficientFunds
		}
		dst, ok := v.holding(o.to)
		if !ok {
			if authority.IsOffCurve(o.to) {
				return domain.ErrAccountNotFound
			}
			dst = &holding{owner: o.to}
			v.holdings[o.to] = dst
		}
		src.balance = safe.MustSubU64(src.balance, o.amount)
		credited, err := safe.AddU64(dst.balance, o.amount)
		if err != nil {
			return domain.ErrOverflow
		}
		dst.balance = credited

	case opTransferCurrency:
		if checkAuth {
			if err := v.l.authorize(o.signer, o.from); err != nil {
				return err
			}
		}
		from := v.balance(o.from)
		if from < o.amount {
			return domain.ErrInsufficientFunds
		}
		v.currency[o.from] = from - o.amount
		credited, err := safe.AddU64(v.balance(o.to), o.amount)
		if err != nil {
			return domain.ErrOverflow
		}
		v.currency[o.to] = credited

	case opMint:
		if checkAuth {
			if err := v.l.authorize(o.signer, v.l.mintAuth); err != nil {
				return err
			}
		}
		h, ok := v.holding(o.to)
		if !ok {
			if authority.IsOffCurve(o.to) {
				// Holdings of derived identities must be opened explicitly.
				return domain.ErrAccountNotFound
			}
			h = &holding{owner: o.to}
			v.holdings[o.to] = h
		}
		if o.undo {
			if h.balance < o.amount || v.totalSupply() < o.amount {
				return domain.ErrInsufficientFunds
			}
			h.balance -= o.amount
			v.setSupply(v.totalSupply() - o.amount)
			return nil
		}
		supply, err := safe.AddU64(v.totalSupply(), o.amount)
		if err != nil {
			return domain.ErrOverflow
		}
		balance, err := safe.AddU64(h.balance, o.amount)
		if err != nil {
			return domain.ErrOverflow
		}
		h.balance = balance
		v.setSupply(supply)

	case opAirdrop:
		current := v.balance(o.to)
		if o.undo {
			if current < o.amount {
				return domain.ErrInsufficientFunds
			}
			v.currency[o.to] = current - o.amount
			return nil
		}
		credited, err := safe.AddU64(current, o.amount)
		if err != nil {
			return domain.ErrOverflow
		}
		v.currency[o.to] = credited
	}
	return nil
}

// flush writes the overlay back. Caller holds the ledger write lock.
func (v *view) flush() {
	for addr, h := range v.holdings {
		if h == nil {
			delete(v.l.holdings, addr)
			continue
		}
		v.l.holdings[addr] = h
	}
	for addr, b := range v.currency {
		if b == 0 {
			delete(v.l.currency, addr)
			continue
		}
		v.l.currency[addr] = b
	}
	if v.supplySet {
		v.l.supply = v.supply
	}
}
