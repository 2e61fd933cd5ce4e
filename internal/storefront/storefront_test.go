package storefront

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/example/ec-storefront/internal/activity"
	"github.com/example/ec-storefront/internal/auth"
	"github.com/example/ec-storefront/internal/config"
	"github.com/example/ec-storefront/internal/gateway"
	"github.com/example/ec-storefront/internal/infrastructure/store"
	"github.com/example/ec-storefront/internal/metrics"
	"github.com/example/ec-storefront/internal/model"
	"github.com/example/ec-storefront/internal/notification"
	"github.com/example/ec-storefront/internal/session"
	"github.com/example/ec-storefront/internal/stubapi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	key   string
	event activity.Event
}

// recordingPublisher stands in for the Kafka producer
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(_ context.Context, key string, event any) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var e activity.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{key: key, event: e})
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.event.Type)
	}
	return out
}

type harness struct {
	stub      *stubapi.Server
	url       string
	kv        *store.MemoryStore
	notices   *notification.Recorder
	publisher *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	stub := stubapi.NewServer(stubapi.DefaultConfig(), metrics.New(), zerolog.Nop())
	require.NoError(t, stub.Seed())
	ts := httptest.NewServer(stub.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		stub:      stub,
		url:       ts.URL,
		kv:        store.NewMemoryStore(),
		notices:   &notification.Recorder{},
		publisher: &recordingPublisher{},
	}
}

func (h *harness) app(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	cfg.BaseURL = h.url
	cfg.Storage.Driver = config.StorageMemory

	app, err := New(context.Background(), cfg, Options{
		Logger:    zerolog.Nop(),
		Notifier:  h.notices,
		Store:     h.kv,
		Publisher: h.publisher,
	})
	require.NoError(t, err)
	return app
}

func startLoggedIn(t *testing.T, h *harness, username string) *App {
	t.Helper()
	app := h.app(t)
	ctx := context.Background()
	_, err := app.Start(ctx)
	require.NoError(t, err)
	_, err = app.Session.Login(ctx, username, "password123")
	require.NoError(t, err)
	return app
}

func TestApp_StartsAnonymousWithoutTokens(t *testing.T) {
	h := newHarness(t)
	app := h.app(t)
	defer app.Close()

	state, err := app.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StatusAnonymous, state.Status())

	_, err = app.Cart.FetchOverview(context.Background())
	assert.ErrorIs(t, err, gateway.ErrAuthenticationRequired)
	assert.Empty(t, h.notices.Messages())
}

func TestApp_ShoppingFlow(t *testing.T) {
	h := newHarness(t)
	app := startLoggedIn(t, h, "alice")
	defer app.Close()
	ctx := context.Background()

	first, err := app.Cart.AddItem(ctx, 1, 1)
	require.NoError(t, err)
	second, err := app.Cart.AddItem(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, first.CartItemID, second.CartItemID)

	_, err = app.Cart.AddItem(ctx, 4, 1)
	require.NoError(t, err)

	lines := app.Cart.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "Barista Lesson", lines[0].ItemName)
	assert.Equal(t, 2, lines[1].TotalQuantity)

	summary := app.Cart.Summary()
	assert.Equal(t, 3, summary.ItemCount)
	assert.Equal(t, int64(2*500+4000), summary.TotalCents)

	order, err := app.Checkout.CreateOrderFromCart(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, order.Status)
	assert.Equal(t, int64(5000), order.TotalPriceCents)
	assert.Empty(t, app.Cart.Lines())

	orders, err := app.Checkout.FetchUserOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order.ID, orders[0].ID)

	assert.Equal(t, []string{
		activity.SessionLogin,
		activity.CartItemAdded,
		activity.CartItemAdded,
		activity.CartItemAdded,
		activity.OrderPlaced,
	}, h.publisher.types())
	assert.Equal(t, h.publisher.types(), app.History.Types())
	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	for _, m := range h.publisher.msgs {
		assert.Equal(t, "1", m.key)
	}
}

func TestApp_ConcurrentAddsMatchServer(t *testing.T) {
	h := newHarness(t)
	app := startLoggedIn(t, h, "alice")
	defer app.Close()
	ctx := context.Background()

	const adds = 10
	var wg sync.WaitGroup
	errs := make(chan error, adds)
	for range adds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := app.Cart.AddItem(ctx, 1, 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	local := app.Cart.Summary()
	assert.Equal(t, adds, local.ItemCount)
	assert.Equal(t, int64(adds*500), local.TotalCents)
	assert.False(t, app.Cart.State().Loading)

	server, err := app.Cart.FetchOverview(ctx)
	require.NoError(t, err)
	require.Len(t, server, 1)
	assert.Equal(t, adds, server[0].TotalQuantity)
}

func TestApp_EmptyCartCheckoutNotifies(t *testing.T) {
	h := newHarness(t)
	app := startLoggedIn(t, h, "alice")
	defer app.Close()

	_, err := app.Checkout.CreateOrderFromCart(context.Background())
	require.ErrorIs(t, err, gateway.ErrValidation)
	assert.Equal(t, "Cart is empty. Cannot create an order.", app.Checkout.State().Error)
	assert.Equal(t, []string{"Cart is empty. Cannot create an order."}, h.notices.Messages())
	assert.Empty(t, app.Checkout.Orders())
}

func TestApp_RefreshesExpiredAccessToken(t *testing.T) {
	h := newHarness(t)
	app := startLoggedIn(t, h, "alice")
	defer app.Close()
	ctx := context.Background()

	_, err := app.Cart.AddItem(ctx, 2, 1)
	require.NoError(t, err)
	before := app.Tokens.Get()

	h.stub.InvalidateAccessTokens()

	lines, err := app.Cart.FetchOverview(ctx)
	require.NoError(t, err)
	assert.Len(t, lines, 1)

	after := app.Tokens.Get()
	assert.NotEqual(t, before.Access, after.Access)
	assert.Equal(t, before.Refresh, after.Refresh)
	assert.Equal(t, "alice", after.Username)
	assert.Equal(t, session.StatusAuthenticated, app.Session.State().Status())
	assert.Empty(t, h.notices.Messages())
}

func TestApp_RejectedRefreshExpiresSession(t *testing.T) {
	h := newHarness(t)
	app := startLoggedIn(t, h, "alice")
	defer app.Close()
	ctx := context.Background()

	_, err := app.Cart.AddItem(ctx, 2, 1)
	require.NoError(t, err)
	_, err = app.Checkout.FetchUserOrders(ctx)
	require.NoError(t, err)

	h.stub.RevokeRefreshToken(app.Tokens.Get().Refresh)
	h.stub.InvalidateAccessTokens()

	_, err = app.Cart.FetchOverview(ctx)
	require.ErrorIs(t, err, gateway.ErrSessionExpired)

	assert.Equal(t, session.StatusAnonymous, app.Session.State().Status())
	assert.False(t, app.Tokens.Get().HasAccess())
	assert.Empty(t, app.Cart.Lines())
	assert.Empty(t, app.Checkout.Orders())
	assert.Equal(t, []string{gateway.SessionExpiredMessage}, h.notices.Messages())
	assert.Contains(t, h.publisher.types(), activity.SessionExpired)

	values, err := h.kv.Load(ctx, "accessToken", "refreshToken", "username")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestApp_LogoutResetsState(t *testing.T) {
	h := newHarness(t)
	app := startLoggedIn(t, h, "alice")
	defer app.Close()
	ctx := context.Background()

	_, err := app.Cart.AddItem(ctx, 3, 2)
	require.NoError(t, err)

	app.Session.Logout(ctx)
	assert.Empty(t, app.Cart.Lines())
	assert.Equal(t, session.StatusAnonymous, app.Session.State().Status())

	_, err = app.Cart.AddItem(ctx, 3, 1)
	assert.ErrorIs(t, err, gateway.ErrAuthenticationRequired)
}

func TestApp_RestoresPersistedSession(t *testing.T) {
	h := newHarness(t)
	first := startLoggedIn(t, h, "bob")
	_, err := first.Cart.AddItem(context.Background(), 1, 3)
	require.NoError(t, err)
	first.Cart.Close()
	first.Checkout.Close()

	// a second process sharing the same storage
	second := h.app(t)
	defer second.Close()
	state, err := second.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, session.StatusAuthenticated, state.Status())
	assert.Equal(t, "bob", state.User.Username)

	lines, err := second.Cart.FetchOverview(context.Background())
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 3, lines[0].TotalQuantity)
}

func TestApp_RoleGatedCatalog(t *testing.T) {
	h := newHarness(t)
	app := startLoggedIn(t, h, "sam")
	defer app.Close()
	ctx := context.Background()

	require.NoError(t, app.Session.Authorize(auth.RoleSeller))
	assert.ErrorIs(t, app.Session.Authorize(auth.RoleBuyer), session.ErrForbidden)

	results, err := app.Catalog.Search(ctx, "grinder")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Arabica Grinder", results[0].Name)

	names, err := app.Catalog.Autocomplete(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"Ceramic Mug", "Coffee Beans"}, names)
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	app := h.app(t)

	require.NoError(t, app.Close())
	require.NoError(t, app.Close())

	_, err := h.kv.Load(context.Background(), "accessToken")
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, Options{})
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	kv, err := OpenStore(ctx, config.StorageConfig{Driver: config.StorageMemory})
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, kv)

	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	kv, err = OpenStore(ctx, config.StorageConfig{Driver: config.StorageFile, Path: path})
	require.NoError(t, err)
	require.NoError(t, kv.Save(ctx, map[string]string{"username": "alice"}))
	require.NoError(t, kv.Close())
	assert.FileExists(t, path)

	_, err = OpenStore(ctx, config.StorageConfig{Driver: "redis"})
	assert.ErrorIs(t, err, config.ErrUnknownStorage)
}
