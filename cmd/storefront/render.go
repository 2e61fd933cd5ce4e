package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/example/ec-storefront/internal/cart"
	"github.com/example/ec-storefront/internal/model"
	"github.com/example/ec-storefront/internal/session"
)

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

// formatMoney renders minor units, e.g. 1250 USD as $12.50
func formatMoney(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	amount := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	if currency == "" {
		currency = "USD"
	}
	if symbol, ok := currencySymbols[strings.ToUpper(currency)]; ok {
		return sign + symbol + amount
	}
	return sign + amount + " " + strings.ToUpper(currency)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printCart(w io.Writer, summary cart.Summary) {
	if len(summary.Lines) == 0 {
		fmt.Fprintln(w, "Your cart is empty.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "LINE\tITEM\tNAME\tQTY\tPRICE\tSUBTOTAL")
	for _, l := range summary.Lines {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\t%s\n",
			l.CartItemID, l.ItemID, l.ItemName, l.TotalQuantity,
			formatMoney(l.LatestPriceCents, ""), formatMoney(l.Subtotal(), ""))
	}
	tw.Flush()
	fmt.Fprintf(w, "%d item(s), total %s\n", summary.ItemCount, formatMoney(summary.TotalCents, ""))
}

func printLine(w io.Writer, l model.CartLine) {
	fmt.Fprintf(w, "%s x%d (line %d)\n", l.ItemName, l.TotalQuantity, l.CartItemID)
}

func printItems(w io.Writer, items []model.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No items found.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tPRICE\tSELLER")
	for _, it := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			it.ID, it.Name, it.ItemType, formatMoney(it.PriceCents, it.Currency), it.Seller)
	}
	tw.Flush()
}

func printOrders(w io.Writer, orders []model.Order) {
	if len(orders) == 0 {
		fmt.Fprintln(w, "No orders yet.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ORDER\tSTATUS\tITEMS\tTOTAL\tPLACED")
	for _, o := range orders {
		count := 0
		for _, it := range o.Items {
			count += it.Quantity
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n",
			o.ID, o.Status, count, formatMoney(o.TotalPriceCents, ""), o.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

func printOrder(w io.Writer, o model.Order) {
	fmt.Fprintf(w, "Order %d: %s, total %s\n", o.ID, o.Status, formatMoney(o.TotalPriceCents, ""))
	for _, it := range o.Items {
		fmt.Fprintf(w, "  %s x%d @ %s\n", it.ItemName, it.Quantity, formatMoney(it.PriceCents, ""))
	}
}

func printSession(w io.Writer, s session.State) {
	if !s.IsAuthenticated || s.User == nil {
		fmt.Fprintln(w, s.Status())
		return
	}
	fmt.Fprintf(w, "%s\n", s.Status())
	tw := newTable(w)
	fmt.Fprintf(tw, "user\t%s (id %d)\n", s.User.Username, s.User.ID)
	if s.User.Email != "" {
		fmt.Fprintf(tw, "email\t%s\n", s.User.Email)
	}
	fmt.Fprintf(tw, "groups\t%s\n", strings.Join(s.Groups, ", "))
	tw.Flush()
}
