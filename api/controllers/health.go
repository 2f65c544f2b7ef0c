package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/prestige-merchandise/storefront/api/responses"
	"github.com/prestige-merchandise/storefront/pkg/config"
	pkgerrors "github.com/prestige-merchandise/storefront/pkg/errors"
	"github.com/prestige-merchandise/storefront/pkg/logger"
	"golang.org/x/sync/errgroup"
)

const (
	envHeader    = "X-Prestige-Env"
	readyTimeout = 3 * time.Second
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency names a backing service checked by the readiness probe. A nil
// Pinger marks a dependency that is not configured.
type Dependency struct {
	Name   string
	Pinger Pinger
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

func HealthReady(cfg *config.Config, logg *logger.Logger, deps ...Dependency) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		checks := make(map[string]string, len(deps))
		results := make([]error, len(deps))
		var g errgroup.Group
		for i, dep := range deps {
			if dep.Pinger == nil {
				continue
			}
			g.Go(func() error {
				results[i] = dep.Pinger.Ping(ctx)
				return nil
			})
		}
		_ = g.Wait()

		failed := false
		for i, dep := range deps {
			switch {
			case dep.Pinger == nil:
				checks[dep.Name] = "disabled"
			case results[i] != nil:
				checks[dep.Name] = "unavailable"
				failed = true
			default:
				checks[dep.Name] = "ok"
			}
		}

		if failed {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").
				WithDetails(checks))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
