package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prestige-merchandise/storefront/api/controllers"
	"github.com/prestige-merchandise/storefront/api/middleware"
	"github.com/prestige-merchandise/storefront/pkg/config"
	"github.com/prestige-merchandise/storefront/pkg/logger"
)

type Deps struct {
	Hub      controllers.SessionHub
	Shipping controllers.Quoter
	// Gatherer backs /metrics; nil hides the endpoint.
	Gatherer prometheus.Gatherer
	// Ready lists the dependencies probed by /health/ready.
	Ready []controllers.Dependency
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.Ready...))
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/shipping/quote", controllers.ShippingQuote(deps.Shipping, logg))

		r.Route("/collections", func(r chi.Router) {
			r.Get("/", controllers.CollectionKinds())

			r.Route("/{kind}", func(r chi.Router) {
				r.Use(middleware.SessionID(logg))
				r.Use(middleware.Identity(cfg.JWT, logg))

				r.Get("/", controllers.CollectionList(deps.Hub, logg))
				r.Get("/stream", controllers.CollectionStream(deps.Hub, logg))
				r.Post("/items", controllers.CollectionAdd(deps.Hub, logg))
				r.Delete("/items", controllers.CollectionClear(deps.Hub, logg))
				r.Get("/items/{subjectId}", controllers.CollectionContains(deps.Hub, logg))
				r.Delete("/items/{subjectId}", controllers.CollectionRemove(deps.Hub, logg))
			})
		})
	})

	return r
}
