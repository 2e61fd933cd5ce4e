// Package checkout turns the server-side cart into an order and keeps the
// user's order history.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/example/ec-storefront/internal/activity"
	"github.com/example/ec-storefront/internal/gateway"
	"github.com/example/ec-storefront/internal/metrics"
	"github.com/example/ec-storefront/internal/model"
	"github.com/rs/zerolog"
)

const (
	ordersPath       = "/api/orders/"
	orderDetailsPath = "/api/order-details/"

	maxPages = 100
)

// Messages stored in State.Error when the server gives none
const (
	CreateFailed       = "Failed to create order"
	FetchFailed        = "Failed to fetch orders"
	UpdateFailed       = "Failed to update order status"
	AuthRequiredNotice = "Authentication required."
)

var (
	ErrInvalidStatus = errors.New("unknown order status")
	ErrClosed        = errors.New("checkout controller closed")
)

// Identity reports the signed-in user
type Identity interface {
	CurrentUser() (model.UserIdentity, bool)
}

// API is the gateway surface checkout uses
type API interface {
	Do(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// CartRefresher reloads the cart after the server emptied it
type CartRefresher interface {
	FetchOverview(ctx context.Context) ([]model.CartLine, error)
}

// State is a snapshot of the order history
type State struct {
	Orders  []model.Order
	Loading bool
	Error   string
}

// Controller is safe for concurrent use
type Controller struct {
	api      API
	identity Identity
	cart     CartRefresher
	metrics  *metrics.Metrics
	activity *activity.Recorder
	logger   zerolog.Logger

	mu         sync.Mutex
	orders     []model.Order
	inFlight   int
	errMsg     string
	closed     bool
	generation uint64
}

// New creates a controller with an empty history. cart may be nil.
func New(api API, identity Identity, cart CartRefresher, m *metrics.Metrics, recorder *activity.Recorder, logger zerolog.Logger) *Controller {
	return &Controller{
		api:      api,
		identity: identity,
		cart:     cart,
		metrics:  m,
		activity: recorder,
		logger:   logger.With().Str("component", "checkout").Logger(),
	}
}

// State returns a copy of the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Orders:  copyOrders(c.orders),
		Loading: c.inFlight > 0,
		Error:   c.errMsg,
	}
}

// Orders returns a copy of the history
func (c *Controller) Orders() []model.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyOrders(c.orders)
}

// Order looks up one order in the history
func (c *Controller) Order(orderID int64) (model.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.orders {
		if o.ID == orderID {
			return o, true
		}
	}
	return model.Order{}, false
}

// CreateOrderFromCart places an order for everything in the server-side cart.
// On failure neither the history nor the cart changes.
func (c *Controller) CreateOrderFromCart(ctx context.Context) (model.Order, error) {
	op, err := c.begin()
	if err != nil {
		return model.Order{}, fmt.Errorf("checkout: create order: %w", err)
	}

	resp, err := c.api.Do(ctx, gateway.Request{Method: http.MethodPost, Path: ordersPath})
	if err != nil {
		c.fail(op, err, CreateFailed)
		return model.Order{}, fmt.Errorf("checkout: create order: %w", err)
	}
	var order model.Order
	if err := resp.Decode(&order); err != nil {
		c.fail(op, err, CreateFailed)
		return model.Order{}, fmt.Errorf("checkout: create order: %w", err)
	}

	c.succeed(op, func() {
		c.orders = append(c.orders, order)
	})
	c.metrics.OrderPlaced()
	c.logger.Info().Int64("order_id", order.ID).Int64("total_cents", order.TotalPriceCents).Msg("order placed")

	e := activity.NewUserEvent(activity.OrderPlaced, op.user.ID, op.user.Username)
	e.OrderID = order.ID
	e.Status = string(order.Status)
	c.activity.Emit(ctx, e)

	// the server emptied the cart; the order already exists either way
	if c.cart != nil {
		if _, err := c.cart.FetchOverview(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("cart refresh after checkout failed")
		}
	}
	return order, nil
}

// FetchUserOrders replaces the history with the user's orders
func (c *Controller) FetchUserOrders(ctx context.Context) ([]model.Order, error) {
	op, err := c.begin()
	if err != nil {
		return nil, fmt.Errorf("checkout: fetch orders: %w", err)
	}

	var all []model.Order
	req := gateway.Request{
		Method: http.MethodGet,
		Path:   orderDetailsPath,
		Query:  url.Values{"user_id": {strconv.FormatInt(op.user.ID, 10)}},
	}
	for page := 0; page < maxPages; page++ {
		resp, err := c.api.Do(ctx, req)
		if err != nil {
			c.fail(op, err, FetchFailed)
			return nil, fmt.Errorf("checkout: fetch orders: %w", err)
		}
		orders, next, err := model.DecodeList[model.Order](resp.Body)
		if err != nil {
			c.fail(op, err, FetchFailed)
			return nil, fmt.Errorf("checkout: fetch orders: decode: %w", err)
		}
		all = append(all, orders...)

		if next == nil || *next == "" {
			break
		}
		// the link already carries the query
		req = gateway.Request{Method: http.MethodGet, Path: *next}
	}

	c.succeed(op, func() {
		c.orders = all
	})
	return copyOrders(all), nil
}

// UpdateOrderStatus changes an order's status and replaces it in the history
func (c *Controller) UpdateOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus) (model.Order, error) {
	if !status.Valid() {
		return model.Order{}, fmt.Errorf("checkout: update order %d: %w: %q", orderID, ErrInvalidStatus, status)
	}
	op, err := c.begin()
	if err != nil {
		return model.Order{}, fmt.Errorf("checkout: update order %d: %w", orderID, err)
	}

	resp, err := c.api.Do(ctx, gateway.Request{
		Method: http.MethodPatch,
		Path:   ordersPath + strconv.FormatInt(orderID, 10) + "/",
		JSON:   map[string]model.OrderStatus{"status": status},
	})
	if err != nil {
		c.fail(op, err, UpdateFailed)
		return model.Order{}, fmt.Errorf("checkout: update order %d: %w", orderID, err)
	}
	var updated model.Order
	if err := resp.Decode(&updated); err != nil {
		c.fail(op, err, UpdateFailed)
		return model.Order{}, fmt.Errorf("checkout: update order %d: %w", orderID, err)
	}

	c.succeed(op, func() {
		for i := range c.orders {
			if c.orders[i].ID == updated.ID {
				c.orders[i] = updated
				return
			}
		}
	})

	e := activity.NewUserEvent(activity.OrderStatus, op.user.ID, op.user.Username)
	e.OrderID = orderID
	e.Status = string(updated.Status)
	c.activity.Emit(ctx, e)
	return updated, nil
}

// Reset drops the history, as on logout
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = nil
	c.errMsg = ""
	c.generation++
}

// Close makes every later state update a no-op
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

type operation struct {
	user       model.UserIdentity
	generation uint64
}

func (c *Controller) begin() (operation, error) {
	user, ok := c.identity.CurrentUser()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return operation{}, ErrClosed
	}
	if !ok {
		c.errMsg = AuthRequiredNotice
		return operation{}, gateway.ErrAuthenticationRequired
	}
	c.inFlight++
	c.errMsg = ""
	return operation{user: user, generation: c.generation}, nil
}

func (c *Controller) succeed(op operation, apply func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	if c.closed || op.generation != c.generation {
		return
	}
	apply()
}

func (c *Controller) fail(op operation, err error, fallback string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	if c.closed || op.generation != c.generation {
		return
	}
	c.errMsg = gateway.MessageOr(err, fallback)
}

func copyOrders(orders []model.Order) []model.Order {
	if orders == nil {
		return nil
	}
	out := make([]model.Order, len(orders))
	copy(out, orders)
	return out
}
