package domain

import (
	"fmt"
	"time"
)

// Marketplace is the process-wide registry record. There is exactly one row.
type Marketplace struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	Address      Pubkey    `gorm:"type:text;not null" json:"address"`
	Authority    Pubkey    `gorm:"type:text;not null" json:"authority"`
	ListingCount uint64    `gorm:"not null" json:"listing_count"`
	PriceScale   uint64    `gorm:"not null" json:"price_scale"`
	MinAmount    uint64    `gorm:"not null" json:"min_amount"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MarketplaceRowID is the primary key of the singleton registry row.
const MarketplaceRowID = 1

// ListingRef addresses a listing the way any client can rebuild it: seller plus id.
type ListingRef struct {
	Seller    Pubkey `json:"seller"`
	ListingID uint64 `json:"listing_id"`
}

func (r ListingRef) String() string {
	return fmt.Sprintf("%s/%d", r.Seller, r.ListingID)
}

// ListingState is the lifecycle position of a listing.
type ListingState string

const (
	ListingActive    ListingState = "ACTIVE"
	ListingDepleted  ListingState = "DEPLETED"
	ListingCancelled ListingState = "CANCELLED"
	ListingClosed    ListingState = "CLOSED"
)

// Listing is a seller's standing offer. Amount is what escrow still owes.
type Listing struct {
	Seller        Pubkey    `gorm:"primaryKey;type:text" json:"seller"`
	ListingID     uint64    `gorm:"primaryKey;autoIncrement:false" json:"listing_id"`
	Address       Pubkey    `gorm:"type:text;uniqueIndex;not null" json:"address"`
	Bump          uint8     `gorm:"not null" json:"bump"`
	Escrow        Pubkey    `gorm:"type:text;uniqueIndex;not null" json:"escrow"`
	Price         uint64    `gorm:"not null" json:"price"`
	Amount        uint64    `gorm:"not null" json:"amount"`
	InitialAmount uint64    `gorm:"not null" json:"initial_amount"`
	IsActive      bool      `gorm:"index" json:"is_active"`
	Cancelled     bool      `json:"cancelled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Ref returns the client-reconstructible reference of the listing.
func (l *Listing) Ref() ListingRef {
	return ListingRef{Seller: l.Seller, ListingID: l.ListingID}
}

// State derives the lifecycle state from the stored flags.
func (l *Listing) State() ListingState {
	switch {
	case l.IsActive:
		return ListingActive
	case l.Cancelled:
		return ListingCancelled
	default:
		return ListingDepleted
	}
}

// VerifyInvariant checks the listing against the balance held in its escrow.
// Active listings must be fully backed; terminal ones must be drained.
func (l *Listing) VerifyInvariant(escrowBalance uint64) error {
	if l.Price == 0 {
		return fmt.Errorf("listing %s: zero price", l.Ref())
	}
	if l.Amount > l.InitialAmount {
		return fmt.Errorf("listing %s: amount %d exceeds initial %d", l.Ref(), l.Amount, l.InitialAmount)
	}
	if l.IsActive && l.Amount == 0 {
		return fmt.Errorf("listing %s: active with zero amount", l.Ref())
	}
	if !l.IsActive && l.Amount != 0 {
		return fmt.Errorf("listing %s: inactive with amount %d", l.Ref(), l.Amount)
	}
	if escrowBalance != l.Amount {
		return fmt.Errorf("listing %s: escrow holds %d, listing owes %d", l.Ref(), escrowBalance, l.Amount)
	}
	return nil
}

// Fill is the receipt of one successful buy.
type Fill struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	Seller     Pubkey    `gorm:"type:text;index:idx_fill_listing" json:"seller"`
	ListingID  uint64    `gorm:"index:idx_fill_listing" json:"listing_id"`
	Buyer      Pubkey    `gorm:"type:text;index" json:"buyer"`
	Amount     uint64    `json:"amount"`
	TotalPrice uint64    `json:"total_price"`
	Remaining  uint64    `json:"remaining"`
	CreatedAt  time.Time `json:"created_at"`
}
