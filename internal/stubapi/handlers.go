package stubapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/example/ec-storefront/internal/model"
	"github.com/example/ec-storefront/internal/stubapi/middleware"
)

const maxUploadBytes = 10 << 20

// Health answers the liveness probe
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ItemSearch returns matching products and services, paginated
func (s *Server) ItemSearch(w http.ResponseWriter, r *http.Request) {
	s.respondPage(w, r, s.store.search(r.URL.Query().Get("search")))
}

// Autocomplete suggests up to ten item names by prefix
func (s *Server) Autocomplete(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		respondJSON(w, http.StatusOK, []string{})
		return
	}
	respondJSON(w, http.StatusOK, s.store.suggest(q, 10))
}

// CartOverview lists cart lines of every user; clients filter their own
func (s *Server) CartOverview(w http.ResponseWriter, r *http.Request) {
	s.respondPage(w, r, s.store.overview())
}

// AddToCart adds to the caller's cart, merging by item
func (s *Server) AddToCart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID   int64 `json:"item_id"`
		Quantity *int  `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}
	if quantity < 1 {
		respondJSON(w, http.StatusBadRequest, map[string][]string{"quantity": {"Ensure this value is greater than or equal to 1."}})
		return
	}

	line, err := s.store.addToCart(middleware.GetUserID(r.Context()), req.ItemID, quantity)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, line)
}

// UpdateCartItem sets the quantity of one of the caller's lines
func (s *Server) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondFailure(w, errNotFound)
		return
	}
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Quantity < 1 {
		respondJSON(w, http.StatusBadRequest, map[string][]string{"quantity": {"Ensure this value is greater than or equal to 1."}})
		return
	}

	line, err := s.store.setQuantity(middleware.GetUserID(r.Context()), id, req.Quantity)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, line)
}

// RemoveCartItem deletes one of the caller's lines
func (s *Server) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondFailure(w, errNotFound)
		return
	}
	if err := s.store.removeFromCart(middleware.GetUserID(r.Context()), id); err != nil {
		respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearCart empties the caller's cart
func (s *Server) ClearCart(w http.ResponseWriter, r *http.Request) {
	s.store.clearCart(middleware.GetUserID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// PlaceOrder turns the caller's cart into a paid order
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.placeOrder(middleware.GetUserID(r.Context()))
	if err != nil {
		respondFailure(w, err)
		return
	}
	s.metrics.OrderPlaced()
	respondJSON(w, http.StatusCreated, order)
}

// UpdateOrder changes an order's status
func (s *Server) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondFailure(w, errNotFound)
		return
	}
	var req struct {
		Status model.OrderStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Status.Valid() {
		respondJSON(w, http.StatusBadRequest, map[string][]string{"status": {`"` + string(req.Status) + `" is not a valid choice.`}})
		return
	}

	claims, _ := middleware.GetUserFromContext(r.Context())
	order, err := s.store.updateOrderStatus(claims.UserID, id, req.Status, isStaff(claims.Groups))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// OrderDetails lists the caller's orders. A user_id other than the caller's
// yields an empty list.
func (s *Server) OrderDetails(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		if requested, err := strconv.ParseInt(raw, 10, 64); err != nil || requested != userID {
			s.respondPage(w, r, []model.Order{})
			return
		}
	}
	s.respondPage(w, r, s.store.ordersOf(userID))
}

// CreateProduct lists a product from a multipart form
func (s *Server) CreateProduct(w http.ResponseWriter, r *http.Request) {
	s.createItem(w, r, model.ItemProduct)
}

// CreateService lists a service from a multipart form
func (s *Server) CreateService(w http.ResponseWriter, r *http.Request) {
	s.createItem(w, r, model.ItemService)
}

func (s *Server) createItem(w http.ResponseWriter, r *http.Request, kind model.ItemType) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, "Invalid form", http.StatusBadRequest)
		return
	}

	fields := map[string][]string{}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		fields["name"] = []string{"This field is required."}
	}
	price, err := strconv.ParseInt(r.FormValue("price_cents"), 10, 64)
	if err != nil || price < 0 {
		fields["price_cents"] = []string{"Ensure this value is greater than or equal to 0."}
	}

	claims, _ := middleware.GetUserFromContext(r.Context())
	item := model.Item{
		Name:       name,
		PriceCents: price,
		Currency:   r.FormValue("currency"),
		Seller:     claims.Username,
		ItemType:   kind,
		Categories: []string{},
	}
	if desc := r.FormValue("description"); desc != "" {
		item.Description = &desc
	}

	switch kind {
	case model.ItemProduct:
		qty, err := strconv.Atoi(r.FormValue("quantity"))
		if err != nil || qty < 0 {
			fields["quantity"] = []string{"A valid integer is required."}
		}
		item.Quantity = &qty
	case model.ItemService:
		duration, err := strconv.Atoi(r.FormValue("service_duration"))
		if err != nil || duration < 0 {
			fields["service_duration"] = []string{"A valid integer is required."}
		}
		serviceType := r.FormValue("service_type")
		if serviceType == "" {
			serviceType = "Other"
		}
		item.ServiceDuration = &duration
		item.ServiceType = &serviceType
	}
	if len(fields) > 0 {
		respondJSON(w, http.StatusBadRequest, fields)
		return
	}

	if _, header, err := r.FormFile("image"); err == nil {
		item.Image = "/media/items/" + header.Filename
	}

	created := s.store.AddItem(item)
	s.logger.Info().Int64("item_id", created.ID).Str("seller", created.Seller).Str("type", string(kind)).Msg("item created")
	respondJSON(w, http.StatusCreated, created)
}

// respondPage writes one page of results with DRF-style links
func (s *Server) respondPage(w http.ResponseWriter, r *http.Request, all any) {
	switch v := all.(type) {
	case []model.Item:
		respondJSON(w, http.StatusOK, paginate(r, v, s.cfg.PageSize))
	case []model.CartLine:
		respondJSON(w, http.StatusOK, paginate(r, v, s.cfg.PageSize))
	case []model.Order:
		respondJSON(w, http.StatusOK, paginate(r, v, s.cfg.PageSize))
	}
}

func paginate[T any](r *http.Request, all []T, size int) model.Page[T] {
	if size <= 0 || len(all) <= size {
		return model.Page[T]{Count: len(all), Results: all}
	}

	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	start := min((page-1)*size, len(all))
	end := min(start+size, len(all))

	out := model.Page[T]{Count: len(all), Results: all[start:end]}
	if end < len(all) {
		next := pageURL(r, page+1)
		out.Next = &next
	}
	if page > 1 {
		prev := pageURL(r, page-1)
		out.Previous = &prev
	}
	return out
}

func pageURL(r *http.Request, page int) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	q := r.URL.Query()
	q.Set("page", strconv.Itoa(page))
	u := url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path, RawQuery: q.Encode()}
	return u.String()
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondDetail(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]string{"detail": message})
}

func respondFailure(w http.ResponseWriter, err error) {
	var f *failure
	if errors.As(err, &f) {
		respondError(w, f.message, f.status)
		return
	}
	respondError(w, err.Error(), http.StatusInternalServerError)
}
