package controllers

import (
	"net/http"

	"github.com/prestige-merchandise/storefront/api/responses"
	"github.com/prestige-merchandise/storefront/api/validators"
	"github.com/prestige-merchandise/storefront/internal/shipping"
	"github.com/prestige-merchandise/storefront/pkg/logger"
)

type Quoter interface {
	Quote(dest shipping.LatLng) (shipping.Quote, error)
}

type shippingQuoteRequest struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
}

func ShippingQuote(quoter Quoter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req shippingQuoteRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		quote, err := quoter.Quote(shipping.LatLng{Lat: *req.Lat, Lng: *req.Lng})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, quote)
	}
}
