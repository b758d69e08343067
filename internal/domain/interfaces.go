package domain

// Settlement is the rail that actually moves assets and currency.
// The engine never touches balances directly; it stages instructions on a
// SettlementTx and commits them as one unit.
type Settlement interface {
	Begin() SettlementTx
	AssetBalance(holding Pubkey) uint64
	CurrencyBalance(account Pubkey) uint64
	HoldingExists(holding Pubkey) bool
}

// SettlementTx is a unit of work against the settlement rail.
//
// Staging calls validate against committed state plus earlier staged moves and
// fail without side effects. Commit applies every staged move or none.
// Revert compensates a committed transaction by applying the inverse moves.
// Accounts reports the post-commit state of every account the batch touched,
// which is what gets persisted alongside the transition's records.
type SettlementTx interface {
	OpenHolding(holding, owner Pubkey) error
	CloseHolding(signer Signer, holding Pubkey) error
	TransferAsset(signer Signer, from, to Pubkey, amount uint64) error
	TransferCurrency(signer Signer, from, to Pubkey, amount uint64) error
	Mint(signer Signer, to Pubkey, amount uint64) error
	Airdrop(to Pubkey, amount uint64) error
	Commit() error
	Rollback()
	Revert() error
	Committed() bool
	Accounts() []LedgerAccount
}

// LedgerAccount is one address on the settlement rail, as persisted to storage.
// HasHolding distinguishes an open, empty asset holding from a currency-only account.
type LedgerAccount struct {
	Address    Pubkey `gorm:"primaryKey;type:text"`
	Owner      Pubkey `gorm:"type:text"`
	HasHolding bool
	Asset      uint64
	Currency   uint64
}
