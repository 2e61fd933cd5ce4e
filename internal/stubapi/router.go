package stubapi

import (
	"net/http"

	"github.com/example/ec-storefront/internal/auth"
	"github.com/example/ec-storefront/internal/stubapi/middleware"
)

// Handler returns the stub's routes wrapped in logging and metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	authenticated := middleware.AuthMiddleware(s)
	buyer := func(h http.HandlerFunc) http.Handler {
		return authenticated(middleware.RequireRole(auth.RoleBuyer)(h))
	}
	orders := func(h http.HandlerFunc) http.Handler {
		return authenticated(middleware.RequireRole(auth.RoleBuyer, auth.RoleSupport)(h))
	}
	seller := func(h http.HandlerFunc) http.Handler {
		return authenticated(middleware.RequireRole(auth.RoleSeller)(h))
	}

	// Health and auth
	mux.HandleFunc("GET /api/health/", s.Health)
	mux.HandleFunc("POST /api/token/", s.Token)
	mux.HandleFunc("POST /api/token/refresh/", s.Refresh)
	mux.Handle("GET /api/auth/me/", authenticated(http.HandlerFunc(s.Me)))
	mux.HandleFunc("POST /api/users/", s.Register)

	// Catalog
	mux.HandleFunc("GET /api/item-search/", s.ItemSearch)
	mux.HandleFunc("GET /api/item-details/autocomplete/", s.Autocomplete)
	mux.Handle("POST /api/products/", seller(s.CreateProduct))
	mux.Handle("POST /api/services/", seller(s.CreateService))

	// Cart
	mux.Handle("GET /api/cart-overview/", buyer(s.CartOverview))
	mux.Handle("POST /api/cart-items/", buyer(s.AddToCart))
	mux.Handle("PUT /api/cart-items/{id}/", buyer(s.UpdateCartItem))
	mux.Handle("DELETE /api/cart-items/{id}/", buyer(s.RemoveCartItem))
	mux.Handle("DELETE /api/cart/", buyer(s.ClearCart))

	// Orders
	mux.Handle("POST /api/orders/", orders(s.PlaceOrder))
	mux.Handle("PATCH /api/orders/{id}/", orders(s.UpdateOrder))
	mux.Handle("GET /api/order-details/", orders(s.OrderDetails))

	return s.metrics.Instrument(middleware.RequestLogger(s.logger)(mux))
}
