package model

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// UserIdentity is the authenticated user as returned by /api/auth/me/
type UserIdentity struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Groups   []string `json:"groups"`
}

// CartLine is one aggregated row of a user's cart (cart-overview view)
type CartLine struct {
	CartItemID       int64  `json:"cart_item_id"`
	CartID           int64  `json:"cart_id"`
	UserID           int64  `json:"user_id"`
	Owner            string `json:"owner,omitempty"`
	ItemID           int64  `json:"item_id"`
	ItemName         string `json:"item_name"`
	TotalQuantity    int    `json:"total_quantity"`
	LatestPriceCents int64  `json:"latest_price"`
	ItemType         string `json:"item_type"`
}

// Subtotal returns quantity times the latest price, in minor units
func (l CartLine) Subtotal() int64 {
	return int64(l.TotalQuantity) * l.LatestPriceCents
}

// SortLinesByName orders lines by item name, falling back to cart item id
// so that equal names keep a stable order.
func SortLinesByName(lines []CartLine) {
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := strings.ToLower(lines[i].ItemName), strings.ToLower(lines[j].ItemName)
		if a != b {
			return a < b
		}
		return lines[i].CartItemID < lines[j].CartItemID
	})
}

// OrderStatus mirrors the backend's order status choices
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderShipped   OrderStatus = "SHIPPED"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Valid reports whether s is one of the known statuses
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderPaid, OrderShipped, OrderDelivered, OrderCancelled:
		return true
	}
	return false
}

// OrderItem is one line of a placed order
type OrderItem struct {
	ID         int64  `json:"id,omitempty"`
	OrderID    int64  `json:"order_id,omitempty"`
	ItemID     int64  `json:"item_id"`
	ItemName   string `json:"item_name"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// Order is the order-details view of a placed order
type Order struct {
	ID              int64       `json:"id"`
	UserID          int64       `json:"user_id"`
	Customer        string      `json:"customer,omitempty"`
	Status          OrderStatus `json:"status"`
	TotalPriceCents int64       `json:"total_price_cents"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Items           []OrderItem `json:"order_items"`
}

// ItemType distinguishes products from services in search results
type ItemType string

const (
	ItemProduct ItemType = "product"
	ItemService ItemType = "service"
)

// Item is a unified product/service search result
type Item struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Description     *string  `json:"description"`
	PriceCents      int64    `json:"price_cents"`
	Currency        string   `json:"currency"`
	Seller          string   `json:"seller"`
	ItemType        ItemType `json:"item_type"`
	Categories      []string `json:"categories"`
	Image           string   `json:"image,omitempty"`
	Quantity        *int     `json:"quantity,omitempty"`
	ServiceDuration *int     `json:"service_duration,omitempty"`
	ServiceType     *string  `json:"service_type,omitempty"`
}

// Page is the pagination envelope used by list endpoints
type Page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// DecodeList accepts either a bare JSON array or a pagination envelope.
// The envelope's next link is returned so callers can keep paging.
func DecodeList[T any](data []byte) ([]T, *string, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, nil, err
		}
		return items, nil, nil
	}
	var page Page[T]
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, nil, err
	}
	return page.Results, page.Next, nil
}

// TokenPair is the body returned by the credential and refresh endpoints
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}
