package stubapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/ec-storefront/internal/auth"
	"github.com/example/ec-storefront/internal/model"
)

// failure is an error the handlers send back as {"error": message}
type failure struct {
	status  int
	message string
}

func (f *failure) Error() string { return f.message }

var (
	errUsernameTaken = &failure{http.StatusBadRequest, "A user with that username already exists."}
	errItemRequired  = &failure{http.StatusBadRequest, "Item ID is required."}
	errNoSuchItem    = &failure{http.StatusBadRequest, "Item does not exist."}
	errEmptyCart     = &failure{http.StatusBadRequest, "Cart is empty. Cannot create an order."}
	errProcessed     = &failure{http.StatusBadRequest, "Cannot update an order that is already processed."}
	errNotFound      = &failure{http.StatusNotFound, "Not found."}
)

type user struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Groups       []string
	Active       bool
}

func (u *user) identity() model.UserIdentity {
	groups := make([]string, len(u.Groups))
	copy(groups, u.Groups)
	return model.UserIdentity{ID: u.ID, Username: u.Username, Email: u.Email, Groups: groups}
}

type cartItem struct {
	ID            int64
	CartID        int64
	UserID        int64
	ItemID        int64
	Quantity      int
	PriceSnapshot int64
}

// Store is the stub API's in-memory database
type Store struct {
	mu sync.RWMutex

	users      map[int64]*user
	items      map[int64]*model.Item
	cartItems  map[int64]*cartItem
	orders     map[int64]*model.Order
	revoked    map[string]struct{}
	nextUserID int64
	nextItemID int64
	nextLineID int64
	nextOrder  int64
	now        func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		users:     make(map[int64]*user),
		items:     make(map[int64]*model.Item),
		cartItems: make(map[int64]*cartItem),
		orders:    make(map[int64]*model.Order),
		revoked:   make(map[string]struct{}),
		now:       time.Now,
	}
}

// hashToken keeps only a digest of revoked refresh tokens
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AddUser creates an account. The password must already be hashed.
func (s *Store) AddUser(username, email, passwordHash string, groups ...string) (model.UserIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return model.UserIdentity{}, errUsernameTaken
		}
	}
	s.nextUserID++
	u := &user{
		ID:           s.nextUserID,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Groups:       groups,
		Active:       true,
	}
	s.users[u.ID] = u
	return u.identity(), nil
}

// AddItem lists an item and returns it with its id
func (s *Store) AddItem(item model.Item) model.Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextItemID++
	item.ID = s.nextItemID
	if item.Currency == "" {
		item.Currency = "USD"
	}
	stored := item
	s.items[item.ID] = &stored
	return item
}

func (s *Store) userByName(username string) (*user, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, true
		}
	}
	return nil, false
}

func (s *Store) userByID(id int64) (*user, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// Deactivate blocks a user from logging in or refreshing
func (s *Store) Deactivate(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			u.Active = false
			return true
		}
	}
	return false
}

func (s *Store) revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[hashToken(token)] = struct{}{}
}

func (s *Store) isRevoked(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[hashToken(token)]
	return ok
}

// search matches the query against names and descriptions, case-insensitively
func (s *Store) search(query string) []model.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]model.Item, 0)
	for _, it := range s.items {
		desc := ""
		if it.Description != nil {
			desc = *it.Description
		}
		if q == "" || strings.Contains(strings.ToLower(it.Name), q) || strings.Contains(strings.ToLower(desc), q) {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) suggest(prefix string, limit int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := strings.ToLower(prefix)
	out := make([]string, 0)
	for _, it := range s.items {
		if strings.HasPrefix(strings.ToLower(it.Name), p) {
			out = append(out, it.Name)
		}
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) lineLocked(ci *cartItem) model.CartLine {
	it := s.items[ci.ItemID]
	owner := ""
	if u, ok := s.users[ci.UserID]; ok {
		owner = u.Username
	}
	return model.CartLine{
		CartItemID:       ci.ID,
		CartID:           ci.CartID,
		UserID:           ci.UserID,
		Owner:            owner,
		ItemID:           ci.ItemID,
		ItemName:         it.Name,
		TotalQuantity:    ci.Quantity,
		LatestPriceCents: it.PriceCents,
		ItemType:         string(it.ItemType),
	}
}

// overview lists every user's cart lines, like the unscoped backend view
func (s *Store) overview() []model.CartLine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.CartLine, 0, len(s.cartItems))
	for _, ci := range s.cartItems {
		out = append(out, s.lineLocked(ci))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CartItemID < out[j].CartItemID })
	return out
}

// addToCart merges by item so one user never has two lines for an item
func (s *Store) addToCart(userID, itemID int64, quantity int) (model.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if itemID == 0 {
		return model.CartLine{}, errItemRequired
	}
	it, ok := s.items[itemID]
	if !ok {
		return model.CartLine{}, errNoSuchItem
	}
	for _, ci := range s.cartItems {
		if ci.UserID == userID && ci.ItemID == itemID {
			ci.Quantity += quantity
			ci.PriceSnapshot = it.PriceCents
			return s.lineLocked(ci), nil
		}
	}

	s.nextLineID++
	ci := &cartItem{
		ID:            s.nextLineID,
		CartID:        userID,
		UserID:        userID,
		ItemID:        itemID,
		Quantity:      quantity,
		PriceSnapshot: it.PriceCents,
	}
	s.cartItems[ci.ID] = ci
	return s.lineLocked(ci), nil
}

func (s *Store) setQuantity(userID, cartItemID int64, quantity int) (model.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ci, ok := s.cartItems[cartItemID]
	if !ok || ci.UserID != userID {
		return model.CartLine{}, errNotFound
	}
	ci.Quantity = quantity
	return s.lineLocked(ci), nil
}

func (s *Store) removeFromCart(userID, cartItemID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ci, ok := s.cartItems[cartItemID]
	if !ok || ci.UserID != userID {
		return errNotFound
	}
	delete(s.cartItems, cartItemID)
	return nil
}

func (s *Store) clearCart(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ci := range s.cartItems {
		if ci.UserID == userID {
			delete(s.cartItems, id)
		}
	}
}

// placeOrder turns the user's cart into a paid order and empties the cart
func (s *Store) placeOrder(userID int64) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lines []*cartItem
	for _, ci := range s.cartItems {
		if ci.UserID == userID {
			lines = append(lines, ci)
		}
	}
	if len(lines) == 0 {
		return model.Order{}, errEmptyCart
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })

	s.nextOrder++
	now := s.now().UTC()
	order := &model.Order{
		ID:        s.nextOrder,
		UserID:    userID,
		Status:    model.OrderPaid,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if u, ok := s.users[userID]; ok {
		order.Customer = u.Username
	}
	for i, ci := range lines {
		order.Items = append(order.Items, model.OrderItem{
			ID:         int64(i + 1),
			OrderID:    order.ID,
			ItemID:     ci.ItemID,
			ItemName:   s.items[ci.ItemID].Name,
			Quantity:   ci.Quantity,
			PriceCents: ci.PriceSnapshot,
		})
		order.TotalPriceCents += int64(ci.Quantity) * ci.PriceSnapshot
		delete(s.cartItems, ci.ID)
	}
	s.orders[order.ID] = order
	return *order, nil
}

func (s *Store) ordersOf(userID int64) []model.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Order, 0)
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// updateOrderStatus refuses processed orders unless staff asks
func (s *Store) updateOrderStatus(userID, orderID int64, status model.OrderStatus, staff bool) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || (o.UserID != userID && !staff) {
		return model.Order{}, errNotFound
	}
	if o.Status != model.OrderPending && !staff {
		return model.Order{}, errProcessed
	}
	o.Status = status
	o.UpdatedAt = s.now().UTC()
	return *o, nil
}

// isStaff reports whether groups may manage other users' orders
func isStaff(groups []string) bool {
	return auth.HasAnyRole(groups, auth.RoleSupport, auth.RoleManager)
}
