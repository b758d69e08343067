package service

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"escrow_dex/internal/domain"
	"escrow_dex/internal/event"
	"escrow_dex/pkg/safe"

	"github.com/shopspring/decimal"
)

// ListingReader is the read side of the engine.
type ListingReader interface {
	Listings() []domain.Listing
	GetListing(ref domain.ListingRef) (domain.Listing, error)
	PriceScale() uint64
}

// ListingFilter narrows ListListings. Zero value returns everything.
type ListingFilter struct {
	Seller     *domain.Pubkey
	ActiveOnly bool
}

// ListingView is a listing plus display fields and trade stats.
type ListingView struct {
	domain.Listing
	State         domain.ListingState `json:"state"`
	UnitPrice     string              `json:"unit_price"`
	AmountDisplay string              `json:"amount_display"`
	Fills         uint64              `json:"fills"`
	Volume        uint64              `json:"volume"`
	LastFillAt    *time.Time          `json:"last_fill_at,omitempty"`
}

// Quote previews a buy with the same arithmetic the engine settles with.
type Quote struct {
	Ref          domain.ListingRef `json:"ref"`
	Amount       uint64            `json:"amount"`
	TotalPrice   uint64            `json:"total_price"`
	Available    uint64            `json:"available"`
	Fillable     bool              `json:"fillable"`
	AmountText   string            `json:"amount_text"`
	TotalText    string            `json:"total_text"`
	UnitPrice    string            `json:"unit_price"`
	QuotedAtUnix int64             `json:"quoted_at"`
}

// Summary is the market-wide view across active listings.
// Available and Volume saturate at the uint64 maximum; the text fields are exact.
type Summary struct {
	ActiveListings int    `json:"active_listings"`
	Available      uint64 `json:"available"`
	AvailableText  string `json:"available_text"`
	BestPrice      uint64 `json:"best_price"`
	BestUnitPrice  string `json:"best_unit_price"`
	Fills          uint64 `json:"fills"`
	Volume         uint64 `json:"volume"`
	VolumeText     string `json:"volume_text"`
}

type tradeStats struct {
	fills      uint64
	volume     uint64
	lastFillAt time.Time
}

// QuoteService answers read queries and keeps per-listing trade stats fed from the event stream.
type QuoteService struct {
	reader           ListingReader
	assetDecimals    int32
	currencyDecimals int32

	mu        sync.RWMutex
	stats     map[domain.ListingRef]*tradeStats
	eventChan chan event.ListingEvent
}

// NewQuoteService creates a new QuoteService instance
func NewQuoteService(reader ListingReader, assetDecimals, currencyDecimals int32) *QuoteService {
	return &QuoteService{
		reader:           reader,
		assetDecimals:    assetDecimals,
		currencyDecimals: currencyDecimals,
		stats:            make(map[domain.ListingRef]*tradeStats),
		eventChan:        make(chan event.ListingEvent, 1000),
	}
}

// Publish queues an event for the stats processor without blocking the caller.
// It reports false when the queue is full and the event was dropped.
func (s *QuoteService) Publish(ev event.ListingEvent) bool {
	select {
	case s.eventChan <- ev:
		return true
	default:
		return false
	}
}

// StartEventProcessor starts a background goroutine draining published events.
func (s *QuoteService) StartEventProcessor(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.eventChan:
				s.ProcessEvent(ev)
			}
		}
	}()
}

// ProcessEvent folds one event into the trade stats.
func (s *QuoteService) ProcessEvent(ev event.ListingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case event.EvListingFilled:
		st, ok := s.stats[ev.Ref()]
		if !ok {
			st = &tradeStats{}
			s.stats[ev.Ref()] = st
		}
		st.fills++
		st.volume = safe.SaturatingAddU64(st.volume, ev.Amount)
		st.lastFillAt = time.UnixMicro(ev.TsUnixM)
	case event.EvListingClosed:
		delete(s.stats, ev.Ref())
	}
}

// ListListings returns listings ordered by unit price, then id.
func (s *QuoteService) ListListings(filter ListingFilter) []ListingView {
	scale := s.reader.PriceScale()
	all := s.reader.Listings()

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ListingView, 0, len(all))
	for _, l := range all {
		if filter.ActiveOnly && !l.IsActive {
			continue
		}
		if filter.Seller != nil && l.Seller != *filter.Seller {
			continue
		}
		result = append(result, s.view(l, scale))
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Price != result[j].Price {
			return result[i].Price < result[j].Price
		}
		return result[i].ListingID < result[j].ListingID
	})
	return result
}

// GetListing returns one listing view.
func (s *QuoteService) GetListing(ref domain.ListingRef) (ListingView, error) {
	l, err := s.reader.GetListing(ref)
	if err != nil {
		return ListingView{}, err
	}
	scale := s.reader.PriceScale()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view(l, scale), nil
}

// must be called with lock held
func (s *QuoteService) view(l domain.Listing, scale uint64) ListingView {
	v := ListingView{
		Listing:       l,
		State:         l.State(),
		UnitPrice:     s.unitPrice(l.Price, scale).String(),
		AmountDisplay: domain.FormatUnits(l.Amount, s.assetDecimals),
	}
	if st, ok := s.stats[l.Ref()]; ok {
		v.Fills = st.fills
		v.Volume = st.volume
		last := st.lastFillAt
		v.LastFillAt = &last
	}
	return v
}

// Quote prices buying amount units from ref. It never mutates anything.
func (s *QuoteService) Quote(ref domain.ListingRef, amount uint64) (Quote, error) {
	if amount == 0 {
		return Quote{}, &domain.ValidationError{Field: "amount", Err: domain.ErrInvalidAmount}
	}
	l, err := s.reader.GetListing(ref)
	if err != nil {
		return Quote{}, err
	}
	scale := s.reader.PriceScale()

	total, err := domain.TotalPrice(l.Price, amount, scale)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Ref:          ref,
		Amount:       amount,
		TotalPrice:   total,
		Available:    l.Amount,
		Fillable:     l.IsActive && amount <= l.Amount,
		AmountText:   domain.FormatUnits(amount, s.assetDecimals),
		TotalText:    domain.FormatUnits(total, s.currencyDecimals),
		UnitPrice:    s.unitPrice(l.Price, scale).String(),
		QuotedAtUnix: time.Now().Unix(),
	}, nil
}

// Summary aggregates the active side of the market.
func (s *QuoteService) Summary() Summary {
	listings := s.ListListings(ListingFilter{ActiveOnly: true})
	sum := Summary{ActiveListings: len(listings)}
	available := decimal.Zero
	for i, l := range listings {
		sum.Available = safe.SaturatingAddU64(sum.Available, l.Amount)
		available = available.Add(units(l.Amount))
		if i == 0 {
			sum.BestPrice = l.Price
			sum.BestUnitPrice = l.UnitPrice
		}
	}

	volume := decimal.Zero
	s.mu.RLock()
	for _, st := range s.stats {
		sum.Fills = safe.SaturatingAddU64(sum.Fills, st.fills)
		sum.Volume = safe.SaturatingAddU64(sum.Volume, st.volume)
		volume = volume.Add(units(st.volume))
	}
	s.mu.RUnlock()

	sum.AvailableText = available.Shift(-s.assetDecimals).String()
	sum.VolumeText = volume.Shift(-s.assetDecimals).String()
	return sum
}

func units(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// unitPrice is the currency paid for one whole asset token: price / scale units
// rescaled to display decimals.
func (s *QuoteService) unitPrice(price, scale uint64) decimal.Decimal {
	if scale == 0 {
		return decimal.Zero
	}
	p := units(price).Shift(s.assetDecimals)
	perToken := p.Div(units(scale))
	return perToken.Shift(-s.currencyDecimals)
}
