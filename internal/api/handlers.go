package api

import (
	"errors"
	"net/http"
	"strconv"

	"escrow_dex/internal/domain"
	"escrow_dex/internal/service"

	"github.com/gin-gonic/gin"
)

const maxEventPage = 500

var errAmbiguousAmount = errors.New("amount and amount_text are mutually exclusive")

// amountInput accepts either base units or a decimal string in display units.
type amountInput struct {
	Amount     uint64 `json:"amount"`
	AmountText string `json:"amount_text"`
}

func (a amountInput) resolve(decimals int32) (uint64, error) {
	if a.Amount != 0 && a.AmountText != "" {
		return 0, &domain.ValidationError{Field: "amount_text", Err: errAmbiguousAmount}
	}
	if a.AmountText == "" {
		return a.Amount, nil
	}
	v, err := domain.ParseUnits(a.AmountText, decimals)
	if err != nil {
		return 0, &domain.ValidationError{Field: "amount_text", Err: err}
	}
	return v, nil
}

type createListingRequest struct {
	Price uint64 `json:"price"`
	amountInput
}

type buyRequest struct {
	amountInput
}

type fundRequest struct {
	To domain.Pubkey `json:"to"`
	amountInput
}

type accountResponse struct {
	Account      domain.Pubkey `json:"account"`
	Asset        uint64        `json:"asset"`
	AssetText    string        `json:"asset_text"`
	Currency     uint64        `json:"currency"`
	CurrencyText string        `json:"currency_text"`
}

// signer reads and parses the caller identity; it writes the error reply itself.
func signer(c *gin.Context) (domain.Pubkey, bool) {
	raw := c.GetHeader(SignerHeader)
	if raw == "" {
		writeError(c, http.StatusUnauthorized, "missing_signer", SignerHeader+" header is required")
		return domain.Pubkey{}, false
	}
	key, err := domain.ParsePubkey(raw)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_signer", err.Error())
		return domain.Pubkey{}, false
	}
	return key, true
}

func listingRef(c *gin.Context) (domain.ListingRef, bool) {
	seller, err := domain.ParsePubkey(c.Param("seller"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_seller", err.Error())
		return domain.ListingRef{}, false
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_listing_id", err.Error())
		return domain.ListingRef{}, false
	}
	return domain.ListingRef{Seller: seller, ListingID: id}, true
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

// requireOperator admits only the marketplace authority.
func (s *Server) requireOperator(c *gin.Context) (domain.Pubkey, bool) {
	caller, ok := signer(c)
	if !ok {
		return caller, false
	}
	m, err := s.deps.Market.Marketplace()
	if err != nil {
		writeDomainError(c, err)
		return caller, false
	}
	if m.Authority != caller {
		writeDomainError(c, &domain.AuthorizationError{Op: "operator", Caller: caller, Err: domain.ErrUnauthorized})
		return caller, false
	}
	return caller, true
}

// ======================================================================================
// Marketplace
// ======================================================================================

func (s *Server) initializeMarketplace(c *gin.Context) {
	operator, ok := signer(c)
	if !ok {
		return
	}
	m, err := s.deps.Market.InitializeMarketplace(c.Request.Context(), operator)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) getMarketplace(c *gin.Context) {
	m, err := s.deps.Market.Marketplace()
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) getSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Quotes.Summary())
}

func (s *Server) reconcile(c *gin.Context) {
	violations := s.deps.Market.Reconcile()
	out := make([]gin.H, 0, len(violations))
	for _, v := range violations {
		out = append(out, gin.H{"ref": v.Ref, "escrow_balance": v.Balance, "error": v.Err.Error()})
	}
	c.JSON(http.StatusOK, gin.H{"ok": len(out) == 0, "violations": out})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Metrics.Snapshot())
}

// ======================================================================================
// Listings
// ======================================================================================

func (s *Server) listListings(c *gin.Context) {
	var filter service.ListingFilter
	if v := c.Query("seller"); v != "" {
		seller, err := domain.ParsePubkey(v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid_seller", err.Error())
			return
		}
		filter.Seller = &seller
	}
	filter.ActiveOnly = c.Query("active") == "true"
	c.JSON(http.StatusOK, s.deps.Quotes.ListListings(filter))
}

func (s *Server) createListing(c *gin.Context) {
	seller, ok := signer(c)
	if !ok {
		return
	}
	var req createListingRequest
	if !bindJSON(c, &req) {
		return
	}
	amount, err := req.resolve(s.deps.AssetDecimals)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	ref, err := s.deps.Market.CreateListing(c.Request.Context(), seller, req.Price, amount)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	view, err := s.deps.Quotes.GetListing(ref)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (s *Server) getListing(c *gin.Context) {
	ref, ok := listingRef(c)
	if !ok {
		return
	}
	view, err := s.deps.Quotes.GetListing(ref)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) quote(c *gin.Context) {
	ref, ok := listingRef(c)
	if !ok {
		return
	}
	in := amountInput{AmountText: c.Query("amount_text")}
	if v := c.Query("amount"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid_amount", err.Error())
			return
		}
		in.Amount = n
	}
	amount, err := in.resolve(s.deps.AssetDecimals)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	q, err := s.deps.Quotes.Quote(ref, amount)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) listFills(c *gin.Context) {
	ref, ok := listingRef(c)
	if !ok {
		return
	}
	if s.deps.History == nil {
		writeError(c, http.StatusNotImplemented, "history_disabled", "no persistent store configured")
		return
	}
	fills, err := s.deps.History.ListFills(c.Request.Context(), ref)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, fills)
}

func (s *Server) buyListing(c *gin.Context) {
	buyer, ok := signer(c)
	if !ok {
		return
	}
	ref, ok := listingRef(c)
	if !ok {
		return
	}
	var req buyRequest
	if !bindJSON(c, &req) {
		return
	}
	amount, err := req.resolve(s.deps.AssetDecimals)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	fill, err := s.deps.Market.BuyListing(c.Request.Context(), buyer, ref, amount)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, fill)
}

func (s *Server) cancelListing(c *gin.Context) {
	seller, ok := signer(c)
	if !ok {
		return
	}
	ref, ok := listingRef(c)
	if !ok {
		return
	}
	if err := s.deps.Market.CancelListing(c.Request.Context(), seller, ref); err != nil {
		writeDomainError(c, err)
		return
	}
	view, err := s.deps.Quotes.GetListing(ref)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) closeListing(c *gin.Context) {
	seller, ok := signer(c)
	if !ok {
		return
	}
	ref, ok := listingRef(c)
	if !ok {
		return
	}
	if err := s.deps.Market.CloseListing(c.Request.Context(), seller, ref); err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": ref})
}

// ======================================================================================
// Accounts and funding
// ======================================================================================

func (s *Server) getAccount(c *gin.Context) {
	account, err := domain.ParsePubkey(c.Param("account"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_account", err.Error())
		return
	}
	asset := s.deps.Wallets.AssetBalance(account)
	currency := s.deps.Wallets.CurrencyBalance(account)
	c.JSON(http.StatusOK, accountResponse{
		Account:      account,
		Asset:        asset,
		AssetText:    domain.FormatUnits(asset, s.deps.AssetDecimals),
		Currency:     currency,
		CurrencyText: domain.FormatUnits(currency, s.deps.CurrencyDecimals),
	})
}

func (s *Server) mint(c *gin.Context) {
	if _, ok := s.requireOperator(c); !ok {
		return
	}
	var req fundRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.To.IsZero() {
		writeDomainError(c, &domain.ValidationError{Field: "to", Err: domain.ErrAccountNotFound})
		return
	}
	amount, err := req.resolve(s.deps.AssetDecimals)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if err := s.deps.Market.MintAsset(c.Request.Context(), req.To, amount); err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"to": req.To, "amount": amount, "balance": s.deps.Wallets.AssetBalance(req.To)})
}

func (s *Server) airdrop(c *gin.Context) {
	if _, ok := s.requireOperator(c); !ok {
		return
	}
	var req fundRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.To.IsZero() {
		writeDomainError(c, &domain.ValidationError{Field: "to", Err: domain.ErrAccountNotFound})
		return
	}
	amount, err := req.resolve(s.deps.CurrencyDecimals)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if amount == 0 {
		writeDomainError(c, &domain.ValidationError{Field: "amount", Err: domain.ErrInvalidAmount})
		return
	}
	if err := s.deps.Market.Airdrop(c.Request.Context(), req.To, amount); err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"to": req.To, "amount": amount, "balance": s.deps.Wallets.CurrencyBalance(req.To)})
}

func (s *Server) listEvents(c *gin.Context) {
	if s.deps.History == nil {
		writeError(c, http.StatusNotImplemented, "history_disabled", "no persistent store configured")
		return
	}
	fromSeq, err := strconv.ParseUint(c.DefaultQuery("from_seq", "0"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_from_seq", err.Error())
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		writeError(c, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	if limit > maxEventPage {
		limit = maxEventPage
	}

	events, err := s.deps.History.ListEvents(c.Request.Context(), fromSeq, limit)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}
