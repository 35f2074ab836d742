package controllers

import (
	"context"
	"net/http"

	"github.com/dgarciamtz/tiendita-backend/api/responses"
	"github.com/dgarciamtz/tiendita-backend/pkg/config"
	pkgerrors "github.com/dgarciamtz/tiendita-backend/pkg/errors"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
)

const envHeader = "X-Tiendita-Env"

// Pinger is anything with a health probe, typically the database and redis
// clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

func HealthReady(cfg *config.Config, logg *logger.Logger, deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		for name, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(r.Context()); err != nil {
				responses.WriteError(r.Context(), logg, w,
					pkgerrors.Wrap(pkgerrors.CodeDependency, err, name+" unavailable"))
				return
			}
		}

		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
