package market

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/R3E-Network/vidledger/internal/errors"
)

// Asset is a sellable unit. Price is meaningful only while listed and
// RoyaltyRate only while minted; the transition methods keep both in step
// with State.
type Asset struct {
	ID          string
	CreatorID   string
	OwnerID     string
	State       State
	Price       int64
	RoyaltyRate decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewAsset returns an unlisted, unminted asset owned by its creator.
func NewAsset(id, creatorID string) Asset {
	return Asset{ID: id, CreatorID: creatorID, OwnerID: creatorID, State: StateUnlisted}
}

// List puts the asset on sale at price.
func (a *Asset) List(price int64) error {
	if price <= 0 {
		return apperrors.Validation("sale price must be positive")
	}
	a.State = a.State.WithListed(true)
	a.Price = price
	return nil
}

// Cancel takes the asset off sale. Cancelling an unlisted asset is a no-op.
func (a *Asset) Cancel() {
	a.State = a.State.WithListed(false)
	a.Price = 0
}

// Mint marks the asset as a token carrying rate as creator royalty.
func (a *Asset) Mint(rate decimal.Decimal) error {
	if a.State.Minted() {
		return apperrors.InvalidState("asset %s already minted", a.ID)
	}
	if err := ValidateRoyaltyRate(rate); err != nil {
		return err
	}
	a.State = a.State.WithMinted(true)
	a.RoyaltyRate = rate
	return nil
}

// Burn reverses Mint.
func (a *Asset) Burn() error {
	if !a.State.Minted() {
		return apperrors.InvalidState("asset %s is not minted", a.ID)
	}
	a.State = a.State.WithMinted(false)
	a.RoyaltyRate = decimal.Zero
	return nil
}

// Sell hands the asset to buyer and clears the listing.
func (a *Asset) Sell(buyer string) error {
	if !a.State.Listed() {
		return apperrors.InvalidState("asset %s is not on sale", a.ID)
	}
	a.OwnerID = buyer
	a.Cancel()
	return nil
}

// Summary is the caller-facing view of an asset.
type Summary struct {
	ID          string           `json:"id"`
	CreatorID   string           `json:"creator_id"`
	OwnerID     string           `json:"owner_id"`
	State       string           `json:"state"`
	Minted      bool             `json:"is_nft"`
	OnSale      bool             `json:"on_sale"`
	SalePrice   *int64           `json:"sale_price"`
	RoyaltyRate *decimal.Decimal `json:"royalties"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Summary renders the asset with nulls for fields absent in its state.
func (a Asset) Summary() Summary {
	out := Summary{
		ID:        a.ID,
		CreatorID: a.CreatorID,
		OwnerID:   a.OwnerID,
		State:     a.State.String(),
		Minted:    a.State.Minted(),
		OnSale:    a.State.Listed(),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	if a.State.Listed() {
		price := a.Price
		out.SalePrice = &price
	}
	if a.State.Minted() {
		rate := a.RoyaltyRate
		out.RoyaltyRate = &rate
	}
	return out
}

// Asset rebuilds the asset a Summary was rendered from.
func (s Summary) Asset() Asset {
	a := Asset{
		ID:        s.ID,
		CreatorID: s.CreatorID,
		OwnerID:   s.OwnerID,
		State:     StateOf(s.Minted, s.OnSale),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.SalePrice != nil {
		a.Price = *s.SalePrice
	}
	if s.RoyaltyRate != nil {
		a.RoyaltyRate = *s.RoyaltyRate
	}
	return a
}

func (a Asset) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Summary())
}

// TokenMetadata is the immutable creation record written by Mint and removed
// by Burn.
type TokenMetadata struct {
	AssetID     string          `json:"asset_id" db:"asset_id"`
	Title       string          `json:"title" db:"title"`
	Caption     string          `json:"caption" db:"caption"`
	MediaURL    string          `json:"media_url" db:"media_url"`
	CreatorID   string          `json:"creator_id" db:"creator_id"`
	RoyaltyRate decimal.Decimal `json:"royalties" db:"royalty_rate"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// SaleRecord is one completed purchase. Records are never mutated.
type SaleRecord struct {
	ID        int64     `json:"id" db:"id"`
	AssetID   string    `json:"asset_id" db:"asset_id"`
	Buyer     string    `json:"buyer" db:"buyer"`
	Seller    string    `json:"seller" db:"seller"`
	Price     int64     `json:"sale_price" db:"price"`
	Royalty   int64     `json:"royalty" db:"royalty"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Details is the asset detail view: registry row, token metadata when
// minted, and its sales newest first.
type Details struct {
	Asset
	Token *TokenMetadata `json:"token,omitempty"`
	Sales []SaleRecord   `json:"sales"`
}

func (d Details) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Summary
		Token *TokenMetadata `json:"token,omitempty"`
		Sales []SaleRecord   `json:"sales"`
	}{Summary: d.Asset.Summary(), Token: d.Token, Sales: d.Sales})
}

var one = decimal.NewFromInt(1)

// RoyaltyRatePlaces is the number of decimal places a stored royalty rate
// keeps (NUMERIC(5, 4) in the assets table).
const RoyaltyRatePlaces = 4

// ValidateRoyaltyRate requires 0 <= rate <= 1 with at most
// RoyaltyRatePlaces decimal places.
func ValidateRoyaltyRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(one) {
		return apperrors.Validation("royalty rate must be between 0 and 1")
	}
	if !rate.Equal(rate.Round(RoyaltyRatePlaces)) {
		return apperrors.Validation("royalty rate allows at most %d decimal places", RoyaltyRatePlaces)
	}
	return nil
}

// RoyaltySplit divides price into the creator royalty round(rate*price) and
// the seller remainder. The two always sum to price.
func RoyaltySplit(price int64, rate decimal.Decimal) (royalty, remainder int64) {
	royalty = decimal.NewFromInt(price).Mul(rate).Round(0).IntPart()
	if royalty < 0 {
		royalty = 0
	}
	if royalty > price {
		royalty = price
	}
	return royalty, price - royalty
}
