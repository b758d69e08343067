package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	listingsCreated   atomic.Uint64
	listingsCancelled atomic.Uint64
	listingsClosed    atomic.Uint64
	fills             atomic.Uint64
	rejected          atomic.Uint64

	// Volume in base units
	assetVolume    atomic.Uint64
	currencyVolume atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeListings atomic.Int64
	feedClients    atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordTransition records the latency of a completed or rejected transition.
func (m *Metrics) RecordTransition(latency time.Duration) {
	m.latencySumNs.Add(latency.Nanoseconds())
	m.latencyCount.Add(1)
}

// RecordCreated records a new listing.
func (m *Metrics) RecordCreated() {
	m.listingsCreated.Add(1)
	m.activeListings.Add(1)
}

// RecordFill records a buy; depleted is true when it emptied the listing.
func (m *Metrics) RecordFill(amount, totalPrice uint64, depleted bool) {
	m.fills.Add(1)
	m.assetVolume.Add(amount)
	m.currencyVolume.Add(totalPrice)
	if depleted {
		m.activeListings.Add(-1)
	}
}

// RecordCancelled records a cancelled listing.
func (m *Metrics) RecordCancelled() {
	m.listingsCancelled.Add(1)
	m.activeListings.Add(-1)
}

// RecordClosed records a closed listing.
func (m *Metrics) RecordClosed() {
	m.listingsClosed.Add(1)
}

// RecordRejected records a transition that returned an error.
func (m *Metrics) RecordRejected() {
	m.rejected.Add(1)
}

// SetActiveListings sets the active listing gauge (after a restore).
func (m *Metrics) SetActiveListings(n int64) {
	m.activeListings.Store(n)
}

// IncrementFeedClients increments connected feed clients by 1.
func (m *Metrics) IncrementFeedClients() {
	m.feedClients.Add(1)
}

// DecrementFeedClients decrements connected feed clients by 1.
func (m *Metrics) DecrementFeedClients() {
	m.feedClients.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	ListingsCreated   uint64    `json:"listings_created"`
	ListingsCancelled uint64    `json:"listings_cancelled"`
	ListingsClosed    uint64    `json:"listings_closed"`
	Fills             uint64    `json:"fills"`
	Rejected          uint64    `json:"rejected"`
	AssetVolume       uint64    `json:"asset_volume"`
	CurrencyVolume    uint64    `json:"currency_volume"`
	AvgLatencyNs      int64     `json:"avg_latency_ns"`
	ActiveListings    int64     `json:"active_listings"`
	FeedClients       int32     `json:"feed_clients"`
	Timestamp         time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		ListingsCreated:   m.listingsCreated.Load(),
		ListingsCancelled: m.listingsCancelled.Load(),
		ListingsClosed:    m.listingsClosed.Load(),
		Fills:             m.fills.Load(),
		Rejected:          m.rejected.Load(),
		AssetVolume:       m.assetVolume.Load(),
		CurrencyVolume:    m.currencyVolume.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveListings:    m.activeListings.Load(),
		FeedClients:       m.feedClients.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.listingsCreated.Store(0)
	m.listingsCancelled.Store(0)
	m.listingsClosed.Store(0)
	m.fills.Store(0)
	m.rejected.Store(0)
	m.assetVolume.Store(0)
	m.currencyVolume.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeListings.Store(0)
	m.feedClients.Store(0)
}
