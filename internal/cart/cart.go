// Package cart keeps the local mirror of the signed-in user's cart.
//
// The server is the source of truth. Local state only changes after the
// server confirmed a mutation, and every operation applies its result under
// a single lock acquisition.
package cart

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/example/ec-storefront/internal/activity"
	"github.com/example/ec-storefront/internal/gateway"
	"github.com/example/ec-storefront/internal/metrics"
	"github.com/example/ec-storefront/internal/model"
	"github.com/rs/zerolog"
)

const (
	overviewPath  = "/api/cart-overview/"
	cartItemsPath = "/api/cart-items/"
	cartPath      = "/api/cart/"

	// maxPages stops a misbehaving server from paging forever
	maxPages = 100
)

// Messages stored in State.Error when the server gives none
const (
	FetchFailed        = "Failed to fetch cart."
	AddFailed          = "Failed to add item."
	UpdateFailed       = "Failed to update cart item"
	RemoveFailed       = "Failed to remove item"
	ClearFailed        = "Failed to clear cart."
	AuthRequiredNotice = "Authentication required."
)

var (
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrLineNotFound    = errors.New("cart line not found")
	ErrClosed          = errors.New("cart controller closed")
)

// Identity reports the signed-in user
type Identity interface {
	CurrentUser() (model.UserIdentity, bool)
}

// API is the gateway surface the cart uses
type API interface {
	Do(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// State is a snapshot of the cart
type State struct {
	Lines   []model.CartLine
	Loading bool
	// Error is the last failure message; empty when the last operation
	// succeeded
	Error string
}

// Summary holds the figures derived from the lines
type Summary struct {
	Lines      int
	ItemCount  int
	TotalCents int64
}

// Summarize derives the summary from lines
func Summarize(lines []model.CartLine) Summary {
	s := Summary{Lines: len(lines)}
	for _, l := range lines {
		s.ItemCount += l.TotalQuantity
		s.TotalCents += l.Subtotal()
	}
	return s
}

// Controller is safe for concurrent use
type Controller struct {
	api      API
	identity Identity
	metrics  *metrics.Metrics
	activity *activity.Recorder
	logger   zerolog.Logger

	mu       sync.Mutex
	lines    []model.CartLine
	inFlight int
	errMsg   string
	closed   bool
	// generation changes on Reset; completions of older operations are dropped
	generation uint64
	// overlapped is set when an operation starts while another is in flight.
	// Responses may then have been applied out of order, so the last one to
	// settle refetches the overview.
	overlapped bool
}

// New creates a controller with an empty cart
func New(api API, identity Identity, m *metrics.Metrics, recorder *activity.Recorder, logger zerolog.Logger) *Controller {
	return &Controller{
		api:      api,
		identity: identity,
		metrics:  m,
		activity: recorder,
		logger:   logger.With().Str("component", "cart").Logger(),
	}
}

// State returns a copy of the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Lines:   c.copyLinesLocked(),
		Loading: c.inFlight > 0,
		Error:   c.errMsg,
	}
}

// Lines returns a copy of the lines in name order
func (c *Controller) Lines() []model.CartLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyLinesLocked()
}

// Summary is computed on every call
func (c *Controller) Summary() Summary {
	return Summarize(c.Lines())
}

// Line looks up a line by cart item id
func (c *Controller) Line(cartItemID int64) (model.CartLine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := indexOf(c.lines, cartItemID)
	if i < 0 {
		return model.CartLine{}, false
	}
	return c.lines[i], true
}

// FetchOverview replaces the local lines with the user's lines from the server,
// following pagination links.
func (c *Controller) FetchOverview(ctx context.Context) ([]model.CartLine, error) {
	op, err := c.begin()
	if err != nil {
		return nil, fmt.Errorf("cart: fetch: %w", err)
	}

	var all []model.CartLine
	next := overviewPath
	for page := 0; next != "" && page < maxPages; page++ {
		resp, err := c.api.Do(ctx, gateway.Request{Method: http.MethodGet, Path: next})
		if err != nil {
			c.fail(ctx, op, err, FetchFailed)
			return nil, fmt.Errorf("cart: fetch: %w", err)
		}
		lines, link, err := model.DecodeList[model.CartLine](resp.Body)
		if err != nil {
			c.fail(ctx, op, err, FetchFailed)
			return nil, fmt.Errorf("cart: fetch: decode: %w", err)
		}
		all = append(all, lines...)

		next = ""
		if link != nil && *link != "" {
			next = *link
		}
	}

	mine := make([]model.CartLine, 0, len(all))
	for _, l := range all {
		if l.UserID == op.user.ID {
			mine = append(mine, l)
		}
	}
	model.SortLinesByName(mine)

	c.succeed(ctx, op, func() {
		c.lines = mine
	})
	c.logger.Debug().Int("lines", len(mine)).Int("dropped", len(all)-len(mine)).Msg("cart fetched")
	return copyLines(mine), nil
}

// AddItem adds quantity units of an item and merges the returned line
func (c *Controller) AddItem(ctx context.Context, itemID int64, quantity int) (model.CartLine, error) {
	if quantity < 1 {
		return model.CartLine{}, ErrInvalidQuantity
	}
	op, err := c.begin()
	if err != nil {
		return model.CartLine{}, fmt.Errorf("cart: add item: %w", err)
	}

	line, err := c.sendLine(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   cartItemsPath,
		JSON:   map[string]any{"item_id": itemID, "quantity": quantity},
	})
	c.metrics.CartMutation("add", err)
	if err != nil {
		c.fail(ctx, op, err, AddFailed)
		return model.CartLine{}, fmt.Errorf("cart: add item %d: %w", itemID, err)
	}

	c.succeed(ctx, op, func() { c.mergeLocked(op.user.ID, line) })

	e := activity.NewUserEvent(activity.CartItemAdded, op.user.ID, op.user.Username)
	e.ItemID = itemID
	e.CartItemID = line.CartItemID
	e.Quantity = quantity
	c.activity.Emit(ctx, e)
	return line, nil
}

// UpdateQuantity sets a line's quantity. Zero is never sent: use RemoveItem.
func (c *Controller) UpdateQuantity(ctx context.Context, cartItemID int64, quantity int) (model.CartLine, error) {
	if quantity < 1 {
		return model.CartLine{}, ErrInvalidQuantity
	}
	op, err := c.begin()
	if err != nil {
		return model.CartLine{}, fmt.Errorf("cart: update item: %w", err)
	}

	line, err := c.sendLine(ctx, gateway.Request{
		Method: http.MethodPut,
		Path:   itemPath(cartItemID),
		JSON:   map[string]int{"quantity": quantity},
	})
	c.metrics.CartMutation("update", err)
	if err != nil {
		c.fail(ctx, op, err, UpdateFailed)
		return model.CartLine{}, fmt.Errorf("cart: update item %d: %w", cartItemID, err)
	}

	c.succeed(ctx, op, func() { c.mergeLocked(op.user.ID, line) })

	e := activity.NewUserEvent(activity.CartItemUpdate, op.user.ID, op.user.Username)
	e.ItemID = line.ItemID
	e.CartItemID = cartItemID
	e.Quantity = quantity
	c.activity.Emit(ctx, e)
	return line, nil
}

// IncrementItem adds one more unit of the line's item
func (c *Controller) IncrementItem(ctx context.Context, cartItemID int64) (model.CartLine, error) {
	line, ok := c.Line(cartItemID)
	if !ok {
		return model.CartLine{}, fmt.Errorf("cart: increment %d: %w", cartItemID, ErrLineNotFound)
	}
	return c.AddItem(ctx, line.ItemID, 1)
}

// DecrementItem takes one unit off a line. A line at quantity 1 is removed
// instead, so an update to zero is never sent. The returned bool is false
// when the line was removed.
func (c *Controller) DecrementItem(ctx context.Context, cartItemID int64) (model.CartLine, bool, error) {
	line, ok := c.Line(cartItemID)
	if !ok {
		return model.CartLine{}, false, fmt.Errorf("cart: decrement %d: %w", cartItemID, ErrLineNotFound)
	}
	if line.TotalQuantity > 1 {
		updated, err := c.UpdateQuantity(ctx, cartItemID, line.TotalQuantity-1)
		return updated, err == nil, err
	}
	return model.CartLine{}, false, c.RemoveItem(ctx, cartItemID)
}

// RemoveItem deletes a line
func (c *Controller) RemoveItem(ctx context.Context, cartItemID int64) error {
	op, err := c.begin()
	if err != nil {
		return fmt.Errorf("cart: remove item: %w", err)
	}

	_, err = c.api.Do(ctx, gateway.Request{Method: http.MethodDelete, Path: itemPath(cartItemID)})
	c.metrics.CartMutation("remove", err)
	if err != nil {
		c.fail(ctx, op, err, RemoveFailed)
		return fmt.Errorf("cart: remove item %d: %w", cartItemID, err)
	}

	var removed model.CartLine
	c.succeed(ctx, op, func() {
		if i := indexOf(c.lines, cartItemID); i >= 0 {
			removed = c.lines[i]
			c.lines = append(c.lines[:i:i], c.lines[i+1:]...)
		}
	})

	e := activity.NewUserEvent(activity.CartItemRemove, op.user.ID, op.user.Username)
	e.ItemID = removed.ItemID
	e.CartItemID = cartItemID
	c.activity.Emit(ctx, e)
	return nil
}

// Clear empties the cart on the server and locally
func (c *Controller) Clear(ctx context.Context) error {
	op, err := c.begin()
	if err != nil {
		return fmt.Errorf("cart: clear: %w", err)
	}

	_, err = c.api.Do(ctx, gateway.Request{Method: http.MethodDelete, Path: cartPath})
	c.metrics.CartMutation("clear", err)
	if err != nil {
		c.fail(ctx, op, err, ClearFailed)
		return fmt.Errorf("cart: clear: %w", err)
	}

	c.succeed(ctx, op, func() { c.lines = nil })
	c.activity.Emit(ctx, activity.NewUserEvent(activity.CartCleared, op.user.ID, op.user.Username))
	return nil
}

// Reset drops all local state, as on logout. Operations still in flight
// finish without touching the new state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = nil
	c.errMsg = ""
	c.overlapped = false
	c.generation++
}

// Close makes every later state update a no-op
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// operation carries what begin captured for the matching succeed/fail
type operation struct {
	user       model.UserIdentity
	generation uint64
}

// begin checks the session and marks an operation in flight
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
	if c.inFlight > 0 {
		c.overlapped = true
	}
	c.inFlight++
	c.errMsg = ""
	return operation{user: user, generation: c.generation}, nil
}

func (c *Controller) succeed(ctx context.Context, op operation, apply func()) {
	c.mu.Lock()
	resync := c.settleLocked(op)
	if !c.closed && op.generation == c.generation {
		apply()
	}
	c.mu.Unlock()

	if resync {
		c.resync(ctx)
	}
}

func (c *Controller) fail(ctx context.Context, op operation, err error, fallback string) {
	c.mu.Lock()
	resync := c.settleLocked(op)
	if !c.closed && op.generation == c.generation {
		c.errMsg = gateway.MessageOr(err, fallback)
	}
	c.mu.Unlock()

	if resync {
		c.resync(ctx)
	}
}

// settleLocked ends an operation and reports whether the lines need a
// refetch because it was the last of several overlapping operations
func (c *Controller) settleLocked(op operation) bool {
	c.inFlight--
	if c.inFlight > 0 || !c.overlapped {
		return false
	}
	c.overlapped = false
	return !c.closed && op.generation == c.generation
}

func (c *Controller) resync(ctx context.Context) {
	c.logger.Debug().Msg("overlapping cart operations settled, refetching")
	if _, err := c.FetchOverview(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("cart refetch after overlapping operations failed")
	}
}

func (c *Controller) sendLine(ctx context.Context, req gateway.Request) (model.CartLine, error) {
	resp, err := c.api.Do(ctx, req)
	if err != nil {
		return model.CartLine{}, err
	}
	var line model.CartLine
	if err := resp.Decode(&line); err != nil {
		return model.CartLine{}, err
	}
	return line, nil
}

// mergeLocked replaces or inserts line by cart item id, then drops any other
// line for the same item so that one item never shows twice
func (c *Controller) mergeLocked(userID int64, line model.CartLine) {
	if line.UserID != 0 && line.UserID != userID {
		c.logger.Warn().Int64("cart_item_id", line.CartItemID).Msg("ignoring line of another user")
		return
	}
	if line.UserID == 0 {
		line.UserID = userID
	}

	merged := make([]model.CartLine, 0, len(c.lines)+1)
	for _, l := range c.lines {
		if l.CartItemID == line.CartItemID || l.ItemID == line.ItemID {
			continue
		}
		merged = append(merged, l)
	}
	merged = append(merged, line)
	model.SortLinesByName(merged)
	c.lines = merged
}

func (c *Controller) copyLinesLocked() []model.CartLine {
	return copyLines(c.lines)
}

func copyLines(lines []model.CartLine) []model.CartLine {
	if lines == nil {
		return nil
	}
	out := make([]model.CartLine, len(lines))
	copy(out, lines)
	return out
}

func indexOf(lines []model.CartLine, cartItemID int64) int {
	for i, l := range lines {
		if l.CartItemID == cartItemID {
			return i
		}
	}
	return -1
}

func itemPath(cartItemID int64) string {
	return cartItemsPath + strconv.FormatInt(cartItemID, 10) + "/"
}
