// Package shipping estimates delivery fees from the shop to a customer.
package shipping

import (
	"fmt"
	"math"
	"strings"

	"github.com/prestige-merchandise/storefront/pkg/config"
	pkgerrors "github.com/prestige-merchandise/storefront/pkg/errors"
	"github.com/shopspring/decimal"
)

const earthRadiusKm = 6371.0

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p LatLng) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return pkgerrors.New(pkgerrors.CodeValidation, "coordinates out of range").
			WithDetails(map[string]any{"lat": p.Lat, "lng": p.Lng})
	}
	return nil
}

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b LatLng) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

type Quote struct {
	DistanceKm decimal.Decimal `json:"distance_km"`
	Fee        decimal.Decimal `json:"fee"`
	Currency   string          `json:"currency"`
}

// Calculator charges a base fee plus a per-kilometre rate for the distance
// beyond the free radius.
type Calculator struct {
	Origin       LatLng
	BaseFee      decimal.Decimal
	PerKmFee     decimal.Decimal
	FreeRadiusKm float64
	Currency     string
}

func NewCalculator(cfg config.ShippingConfig) (*Calculator, error) {
	base, err := decimal.NewFromString(strings.TrimSpace(cfg.BaseFee))
	if err != nil {
		return nil, fmt.Errorf("parsing shipping base fee %q: %w", cfg.BaseFee, err)
	}
	perKm, err := decimal.NewFromString(strings.TrimSpace(cfg.PerKmFee))
	if err != nil {
		return nil, fmt.Errorf("parsing shipping per-km fee %q: %w", cfg.PerKmFee, err)
	}
	if base.IsNegative() || perKm.IsNegative() || cfg.FreeRadiusKm < 0 {
		return nil, fmt.Errorf("shipping fees must not be negative")
	}
	origin := LatLng{Lat: cfg.OriginLat, Lng: cfg.OriginLng}
	if err := origin.Validate(); err != nil {
		return nil, fmt.Errorf("shipping origin: %w", err)
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "GHS"
	}
	return &Calculator{
		Origin:       origin,
		BaseFee:      base,
		PerKmFee:     perKm,
		FreeRadiusKm: cfg.FreeRadiusKm,
		Currency:     currency,
	}, nil
}

func (c *Calculator) Quote(dest LatLng) (Quote, error) {
	if err := dest.Validate(); err != nil {
		return Quote{}, err
	}
	km := decimal.NewFromFloat(Haversine(c.Origin, dest))
	billable := km.Sub(decimal.NewFromFloat(c.FreeRadiusKm))
	if billable.IsNegative() {
		billable = decimal.Zero
	}
	fee := c.BaseFee.Add(c.PerKmFee.Mul(billable)).Round(2)
	return Quote{
		DistanceKm: km.Round(2),
		Fee:        fee,
		Currency:   c.Currency,
	}, nil
}
