// Package api exposes the marketplace over JSON HTTP.
//
// The caller identity arrives in the X-Signer header as a base58 key. Proving
// possession of that key belongs to the execution environment in front of this
// server; here it is taken as already verified.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"escrow_dex/internal/domain"
	"escrow_dex/internal/engine"
	"escrow_dex/internal/event"
	"escrow_dex/internal/infra"
	"escrow_dex/internal/service"

	"github.com/gin-gonic/gin"
)

// SignerHeader carries the base58 identity of the caller.
const SignerHeader = "X-Signer"

// Marketplace is the write side the server drives.
type Marketplace interface {
	InitializeMarketplace(ctx context.Context, operator domain.Pubkey) (domain.Marketplace, error)
	CreateListing(ctx context.Context, seller domain.Pubkey, price, amount uint64) (domain.ListingRef, error)
	BuyListing(ctx context.Context, buyer domain.Pubkey, ref domain.ListingRef, amount uint64) (domain.Fill, error)
	CancelListing(ctx context.Context, seller domain.Pubkey, ref domain.ListingRef) error
	CloseListing(ctx context.Context, seller domain.Pubkey, ref domain.ListingRef) error
	MintAsset(ctx context.Context, to domain.Pubkey, amount uint64) error
	Airdrop(ctx context.Context, to domain.Pubkey, amount uint64) error
	Marketplace() (domain.Marketplace, error)
	Reconcile() []engine.Violation
}

// Wallets is the settlement rail view used for balances.
type Wallets interface {
	AssetBalance(addr domain.Pubkey) uint64
	CurrencyBalance(account domain.Pubkey) uint64
}

// History serves persisted fills and events. Optional.
type History interface {
	ListFills(ctx context.Context, ref domain.ListingRef) ([]domain.Fill, error)
	ListEvents(ctx context.Context, fromSeq uint64, limit int) ([]event.ListingEvent, error)
}

// Deps wires a Server.
type Deps struct {
	Market           Marketplace
	Quotes           *service.QuoteService
	Wallets          Wallets
	History          History      // nil disables /fills and /events
	Feed             http.Handler // nil disables /ws
	Metrics          *infra.Metrics
	AssetDecimals    int32
	CurrencyDecimals int32
	Mode             string // gin mode; empty keeps the current one
}

// Server is the HTTP surface of the marketplace.
type Server struct {
	deps   Deps
	router *gin.Engine
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = infra.GlobalMetrics
	}
	if deps.AssetDecimals == 0 {
		deps.AssetDecimals = domain.AssetDecimals
	}
	if deps.CurrencyDecimals == 0 {
		deps.CurrencyDecimals = domain.CurrencyDecimals
	}

	if deps.Mode != "" {
		gin.SetMode(deps.Mode)
	}
	router := gin.New()
	router.Use(requestLogger(), gin.Recovery())

	s := &Server{deps: deps, router: router}
	s.registerRoutes()
	return s
}

// Handler returns the router for mounting in an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", s.getMetrics)

	r.GET("/marketplace", s.getMarketplace)
	r.POST("/marketplace", s.initializeMarketplace)
	r.GET("/marketplace/summary", s.getSummary)
	r.GET("/marketplace/reconcile", s.reconcile)

	listings := r.Group("/listings")
	{
		listings.GET("", s.listListings)
		listings.POST("", s.createListing)
		listings.GET("/:seller/:id", s.getListing)
		listings.DELETE("/:seller/:id", s.closeListing)
		listings.GET("/:seller/:id/quote", s.quote)
		listings.GET("/:seller/:id/fills", s.listFills)
		listings.POST("/:seller/:id/buy", s.buyListing)
		listings.POST("/:seller/:id/cancel", s.cancelListing)
	}

	r.GET("/accounts/:account", s.getAccount)
	r.POST("/mint", s.mint)
	r.POST("/airdrop", s.airdrop)
	r.GET("/events", s.listEvents)

	if s.deps.Feed != nil {
		r.GET("/ws", gin.WrapH(s.deps.Feed))
	}
}

// requestLogger is the slog counterpart of a gin access log.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(c.Request.Context(), level, "HTTP_REQUEST",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}
