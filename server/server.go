// Package server exposes the cart and order HTTP surface.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"circlesmarket/market/basket"
	"circlesmarket/market/bus"
	"circlesmarket/market/orders"
)

// Server wires the stores and engines behind the HTTP surface.
type Server struct {
	baskets   *basket.Store
	canon     *basket.Canonicalizer
	orders    *orders.Store
	access    *orders.Access
	buyerBus  *bus.Bus
	sellerBus *bus.Bus
	auth      *Authenticator
	limiter   *RateLimiter
	logger    *slog.Logger

	primaryChain int64
	operator     string
}

// Options carries the collaborators for New.
type Options struct {
	Baskets      *basket.Store
	Canonicalize *basket.Canonicalizer
	Orders       *orders.Store
	Access       *orders.Access
	BuyerBus     *bus.Bus
	SellerBus    *bus.Bus
	Auth         *Authenticator
	Limiter      *RateLimiter
	Logger       *slog.Logger
	PrimaryChain int64
	Operator     string
}

// New builds the server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(nil)
	}
	return &Server{
		baskets:      opts.Baskets,
		canon:        opts.Canonicalize,
		orders:       opts.Orders,
		access:       opts.Access,
		buyerBus:     opts.BuyerBus,
		sellerBus:    opts.SellerBus,
		auth:         opts.Auth,
		limiter:      limiter,
		logger:       logger,
		primaryChain: opts.PrimaryChain,
		operator:     opts.Operator,
	}
}

// Router assembles the chi route tree under /api/cart/v1.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api/cart/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("baskets"))
			r.Post("/baskets", s.handleCreateBasket)
			r.Get("/baskets/{basketID}", s.handleGetBasket)
			r.Patch("/baskets/{basketID}", s.handlePatchBasket)
			r.Post("/baskets/{basketID}/validate", s.handleValidateBasket)
			r.Post("/baskets/{basketID}/preview", s.handlePreviewBasket)
			r.Post("/baskets/{basketID}/checkout", s.handleCheckout)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require)
			r.Use(s.limiter.Middleware("orders"))
			r.Get("/orders/by-buyer", s.handleOrdersByBuyer)
			r.Get("/orders/by-seller", s.handleOrdersBySeller)
			r.Post("/orders/batch", s.handleOrdersBatch)
			r.Get("/orders/events", s.handleBuyerEvents)
			r.Get("/orders/sales/events", s.handleSellerEvents)
			r.Get("/orders/{orderID}", s.handleGetOrder)
			r.Get("/orders/{orderID}/as-seller", s.handleGetOrderAsSeller)
			r.Get("/orders/{orderID}/status-history", s.handleStatusHistory)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
