package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/ec-storefront/internal/activity"
	"github.com/rs/zerolog"
)

// Handler turns activity events read from Kafka into notices.
// Used by the CLI's activity follower.
type Handler struct {
	notifier Notifier
	userID   int64
	logger   zerolog.Logger
}

// NewHandler creates a handler; userID 0 accepts events of every user
func NewHandler(notifier Notifier, userID int64, logger zerolog.Logger) *Handler {
	return &Handler{
		notifier: notifier,
		userID:   userID,
		logger:   logger.With().Str("component", "activity-follower").Logger(),
	}
}

// HandleEvent processes an event from Kafka
func (h *Handler) HandleEvent(_ context.Context, key, value []byte) error {
	var event activity.Event
	if err := json.Unmarshal(value, &event); err != nil {
		h.logger.Warn().Err(err).Str("key", string(key)).Msg("failed to unmarshal activity event")
		return err
	}

	if h.userID != 0 && event.UserID != h.userID {
		return nil
	}

	h.notifier.Notify(LevelInfo, Describe(event))
	return nil
}

// Describe renders an event as one human-readable line
func Describe(e activity.Event) string {
	who := e.Username
	if who == "" {
		who = fmt.Sprintf("user %d", e.UserID)
	}
	at := e.At.Local().Format("15:04:05")

	switch e.Type {
	case activity.SessionLogin:
		return fmt.Sprintf("%s %s logged in", at, who)
	case activity.SessionLogout:
		return fmt.Sprintf("%s %s logged out", at, who)
	case activity.SessionExpired:
		return fmt.Sprintf("%s %s session expired", at, who)
	case activity.CartItemAdded:
		return fmt.Sprintf("%s %s added %d x item %d", at, who, e.Quantity, e.ItemID)
	case activity.CartItemUpdate:
		return fmt.Sprintf("%s %s set cart line %d to %d", at, who, e.CartItemID, e.Quantity)
	case activity.CartItemRemove:
		return fmt.Sprintf("%s %s removed cart line %d", at, who, e.CartItemID)
	case activity.CartCleared:
		return fmt.Sprintf("%s %s cleared the cart", at, who)
	case activity.OrderPlaced:
		return fmt.Sprintf("%s %s placed order %d", at, who, e.OrderID)
	case activity.OrderStatus:
		return fmt.Sprintf("%s order %d is now %s", at, e.OrderID, e.Status)
	}
	return fmt.Sprintf("%s %s: %s", at, who, e.Type)
}
