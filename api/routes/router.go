package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dgarciamtz/tiendita-backend/api/controllers"
	"github.com/dgarciamtz/tiendita-backend/api/middleware"
	"github.com/dgarciamtz/tiendita-backend/internal/carts"
	"github.com/dgarciamtz/tiendita-backend/internal/orders"
	"github.com/dgarciamtz/tiendita-backend/internal/reservations"
	"github.com/dgarciamtz/tiendita-backend/pkg/config"
	"github.com/dgarciamtz/tiendita-backend/pkg/logger"
)

// NewRouter wires the HTTP surface. Shopper routes accept either a bearer
// token or an X-Session-Id header; admin routes require a token with the
// admin role.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbPinger controllers.Pinger,
	redisPinger controllers.Pinger,
	limiter middleware.RateLimiter,
	cartService *carts.Service,
	reservationService *reservations.Service,
	orderService *orders.Service,
	cleanupJob controllers.CleanupRunner,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"database": dbPinger,
			"redis":    redisPinger,
		}))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Shopper(cfg.JWT, logg))
		r.Use(middleware.RateLimit(cfg.RateLimit, limiter, logg))

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", controllers.CartFetch(cartService, logg))
			r.Delete("/", controllers.CartClear(cartService, logg))
			r.Post("/items", controllers.CartAddItem(cartService, logg))
			r.Patch("/items/{itemID}", controllers.CartUpdateItem(cartService, logg))
			r.Delete("/items/{itemID}", controllers.CartRemoveItem(cartService, logg))
			r.Post("/migrate", controllers.CartMigrate(cartService, logg))
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", controllers.ReservationCreate(reservationService, logg))
			r.Get("/{reservationID}", controllers.ReservationFetch(reservationService, logg))
			r.Post("/{reservationID}/extend", controllers.ReservationExtend(reservationService, logg))
			r.Delete("/{reservationID}", controllers.ReservationCancel(reservationService, logg))
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", controllers.OrderCheckout(orderService, logg))
			r.Get("/", controllers.OrderList(orderService, logg))
			r.Get("/{orderID}", controllers.OrderFetch(orderService, logg))
			r.Get("/number/{number}", controllers.OrderFetchByNumber(orderService, logg))
			r.Post("/{orderID}/cancel", controllers.OrderCancel(orderService, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireAdmin(logg))

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", controllers.AdminOrderList(orderService, logg))
			r.Get("/{orderID}", controllers.OrderFetch(orderService, logg))
			r.Post("/{orderID}/transition", controllers.OrderTransition(orderService, logg))
		})
		r.Post("/carts/cleanup", controllers.CartForceCleanup(cleanupJob, logg))
		r.Route("/reservations", func(r chi.Router) {
			r.Get("/", controllers.ReservationList(reservationService, logg))
			r.Get("/{reservationID}", controllers.ReservationFetch(reservationService, logg))
			r.Post("/{reservationID}/extend", controllers.AdminReservationExtend(reservationService, logg))
			r.Delete("/{reservationID}", controllers.AdminReservationCancel(reservationService, logg))
		})
	})

	return r
}
