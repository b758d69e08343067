package event

import (
	"fmt"

	"escrow_dex/internal/domain"
)

// Type defines the type of event.
type Type uint16

const (
	EvMarketplaceInitialized Type = iota + 1
	EvListingCreated
	EvListingFilled
	EvListingCancelled
	EvListingClosed
)

var typeNames = map[Type]string{
	EvMarketplaceInitialized: "MARKETPLACE_INITIALIZED",
	EvListingCreated:         "LISTING_CREATED",
	EvListingFilled:          "LISTING_FILLED",
	EvListingCancelled:       "LISTING_CANCELLED",
	EvListingClosed:          "LISTING_CLOSED",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	for k, v := range typeNames {
		if v == string(text) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", text)
}

// ListingEvent records one committed transition.
// Seq is monotonic across the engine but not dense: a transition that aborts
// after taking a number leaves a gap.
type ListingEvent struct {
	Seq        uint64        `gorm:"primaryKey;autoIncrement:false" json:"seq"`
	Type       Type          `gorm:"index;not null" json:"type"`
	Seller     domain.Pubkey `gorm:"type:text;index:idx_event_listing" json:"seller"`
	ListingID  uint64        `gorm:"index:idx_event_listing" json:"listing_id"`
	Actor      domain.Pubkey `gorm:"type:text" json:"actor"`
	Amount     uint64        `json:"amount"`
	Remaining  uint64        `json:"remaining"`
	Price      uint64        `json:"price"`
	TotalPrice uint64        `json:"total_price"`
	TsUnixM    int64         `json:"ts"` // Unix Microseconds
}

// Ref returns the listing the event belongs to.
func (e ListingEvent) Ref() domain.ListingRef {
	return domain.ListingRef{Seller: e.Seller, ListingID: e.ListingID}
}
