package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/example/ec-storefront/internal/auth"
	"github.com/example/ec-storefront/internal/catalog"
	"github.com/example/ec-storefront/internal/config"
	"github.com/example/ec-storefront/internal/gateway"
	"github.com/example/ec-storefront/internal/infrastructure/kafka"
	"github.com/example/ec-storefront/internal/model"
	"github.com/example/ec-storefront/internal/notification"
	"github.com/example/ec-storefront/internal/session"
	"github.com/example/ec-storefront/internal/storefront"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// cli holds what every command needs. app is nil while only help is shown.
type cli struct {
	app    *storefront.App
	cfg    *config.Config
	logger zerolog.Logger
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer
}

func (c *cli) root() *Command {
	return &Command{
		Name:    "storefront",
		Summary: "Shop from the terminal: search, cart, checkout and orders.",
		Subcommands: []*Command{
			c.loginCommand(),
			{Name: "logout", Summary: "Forget the stored session", Run: c.logout},
			{Name: "whoami", Summary: "Show the session status and user", Run: c.whoami},
			c.registerCommand(),
			{Name: "search", Summary: "Search products and services", Usage: "[query...]", Run: c.search},
			{Name: "suggest", Summary: "Suggest item names for a prefix", Usage: "<prefix>", Run: c.suggest},
			{Name: "cart", Summary: "Show the cart", Run: c.showCart},
			{Name: "add", Summary: "Add an item to the cart", Usage: "<item-id> [quantity]", Run: c.add},
			{Name: "update", Summary: "Set the quantity of a cart line", Usage: "<line-id> <quantity>", Run: c.update},
			{Name: "inc", Summary: "Add one more of a cart line's item", Usage: "<line-id>", Run: c.increment},
			{Name: "dec", Summary: "Take one away from a cart line, removing it at zero", Usage: "<line-id>", Run: c.decrement},
			{Name: "remove", Summary: "Remove a cart line", Usage: "<line-id>", Run: c.remove},
			{Name: "clear", Summary: "Empty the cart", Run: c.clear},
			{Name: "checkout", Summary: "Place an order for everything in the cart", Run: c.checkout},
			{Name: "orders", Summary: "List your orders", Run: c.orders},
			{Name: "order-status", Summary: "Change an order's status", Usage: "<order-id> <status>", Run: c.orderStatus},
			c.sellCommand(),
			{Name: "health", Summary: "Check that the API answers", Run: c.health},
			{Name: "history", Summary: "Show what this session did", Run: c.history},
			c.activityCommand(),
			{Name: "shell", Summary: "Start an interactive shell", Run: c.shell},
		},
	}
}

// ============================================
// Session
// ============================================

func (c *cli) loginCommand() *Command {
	return &Command{
		Name:    "login",
		Summary: "Log in and store the session",
		Usage:   "<username> [flags]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("login", pflag.ContinueOnError)
			fs.StringP("password", "p", "", "password; prompted for when omitted")
			return fs
		},
		Run: func(ctx context.Context, flags *pflag.FlagSet, args []string) error {
			if len(args) != 1 {
				return errors.New("login: username required")
			}
			password, _ := flags.GetString("password")
			if password == "" {
				var err error
				if password, err = c.prompt("Password: "); err != nil {
					return err
				}
			}

			user, err := c.app.Session.Login(ctx, args[0], password)
			if err != nil {
				if errors.Is(err, gateway.ErrInvalidCredentials) {
					fmt.Fprintln(c.errOut, "Invalid username or password.")
					return &ExitError{Code: 1}
				}
				return err
			}
			fmt.Fprintf(c.out, "Logged in as %s (%s)\n", user.Username, strings.Join(user.Groups, ", "))
			return nil
		},
	}
}

func (c *cli) logout(ctx context.Context, _ *pflag.FlagSet, _ []string) error {
	c.app.Session.Logout(ctx)
	fmt.Fprintln(c.out, "Logged out.")
	return nil
}

func (c *cli) whoami(context.Context, *pflag.FlagSet, []string) error {
	printSession(c.out, c.app.Session.State())
	return nil
}

func (c *cli) registerCommand() *Command {
	return &Command{
		Name:    "register",
		Summary: "Create a buyer account",
		Usage:   "<username> [flags]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("register", pflag.ContinueOnError)
			fs.String("email", "", "email address")
			fs.StringP("password", "p", "", "password; prompted for when omitted")
			return fs
		},
		Run: func(ctx context.Context, flags *pflag.FlagSet, args []string) error {
			if len(args) != 1 {
				return errors.New("register: username required")
			}
			email, _ := flags.GetString("email")
			password, _ := flags.GetString("password")
			confirm := ""
			if password == "" {
				var err error
				if password, err = c.prompt("Password: "); err != nil {
					return err
				}
				if confirm, err = c.prompt("Confirm password: "); err != nil {
					return err
				}
			}

			user, err := c.app.Session.Register(ctx, session.RegisterRequest{
				Username:        args[0],
				Email:           email,
				Password:        password,
				ConfirmPassword: confirm,
			})
			if err != nil {
				return c.formErrors(err)
			}
			fmt.Fprintf(c.out, "Account %s created. Log in with: storefront login %s\n", user.Username, user.Username)
			return nil
		},
	}
}

// formErrors prints validation failures field by field
func (c *cli) formErrors(err error) error {
	if errors.Is(err, auth.ErrPasswordTooShort) || errors.Is(err, auth.ErrPasswordMismatch) {
		fmt.Fprintf(c.errOut, "password: %v\n", errors.Unwrap(err))
		return &ExitError{Code: 1}
	}
	var apiErr *gateway.APIError
	if !errors.As(err, &apiErr) || !errors.Is(err, gateway.ErrValidation) {
		return err
	}
	if len(apiErr.Fields) == 0 {
		fmt.Fprintln(c.errOut, gateway.MessageOr(err, gateway.GenericFailure))
		return &ExitError{Code: 1}
	}
	names := make([]string, 0, len(apiErr.Fields))
	for name := range apiErr.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c.errOut, "%s: %s\n", name, strings.Join(apiErr.Fields[name], " "))
	}
	return &ExitError{Code: 1}
}

// ============================================
// Catalog
// ============================================

func (c *cli) search(ctx context.Context, _ *pflag.FlagSet, args []string) error {
	items, err := c.app.Catalog.Search(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	printItems(c.out, items)
	return nil
}

func (c *cli) suggest(ctx context.Context, _ *pflag.FlagSet, args []string) error {
	names, err := c.app.Catalog.Autocomplete(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(c.out, name)
	}
	return nil
}

func (c *cli) sellCommand() *Command {
	common := func(fs *pflag.FlagSet) {
		fs.String("name", "", "listing name")
		fs.String("description", "", "listing description")
		fs.Int64("price-cents", 0, "price in minor units")
		fs.String("currency", "USD", "ISO currency code")
		fs.String("image", "", "path of an image to upload")
	}
	return &Command{
		Name:    "sell",
		Summary: "List a product or service (sellers only)",
		Subcommands: []*Command{
			{
				Name:    "product",
				Summary: "List a product",
				Usage:   "[flags]",
				Flags: func() *pflag.FlagSet {
					fs := pflag.NewFlagSet("product", pflag.ContinueOnError)
					common(fs)
					fs.Int("quantity", 1, "units in stock")
					return fs
				},
				Run: func(ctx context.Context, flags *pflag.FlagSet, _ []string) error {
					form, closeImage, err := c.itemForm(flags)
					if err != nil {
						return err
					}
					defer closeImage()
					quantity, _ := flags.GetInt("quantity")
					item, err := c.app.Catalog.CreateProduct(ctx, catalog.ProductForm{ItemForm: form, Quantity: quantity})
					if err != nil {
						return c.formErrors(err)
					}
					fmt.Fprintf(c.out, "Listed product %d: %s\n", item.ID, item.Name)
					return nil
				},
			},
			{
				Name:    "service",
				Summary: "List a service",
				Usage:   "[flags]",
				Flags: func() *pflag.FlagSet {
					fs := pflag.NewFlagSet("service", pflag.ContinueOnError)
					common(fs)
					fs.Int("duration", 60, "duration in minutes")
					fs.String("type", "Other", "service type")
					return fs
				},
				Run: func(ctx context.Context, flags *pflag.FlagSet, _ []string) error {
					form, closeImage, err := c.itemForm(flags)
					if err != nil {
						return err
					}
					defer closeImage()
					duration, _ := flags.GetInt("duration")
					serviceType, _ := flags.GetString("type")
					item, err := c.app.Catalog.CreateService(ctx, catalog.ServiceForm{
						ItemForm:        form,
						DurationMinutes: duration,
						ServiceType:     serviceType,
					})
					if err != nil {
						return c.formErrors(err)
					}
					fmt.Fprintf(c.out, "Listed service %d: %s\n", item.ID, item.Name)
					return nil
				},
			},
		},
	}
}

// itemForm reads the shared listing flags. The returned func closes the image.
func (c *cli) itemForm(flags *pflag.FlagSet) (catalog.ItemForm, func(), error) {
	noop := func() {}
	if err := c.app.Session.Authorize(auth.RoleSeller); err != nil {
		return catalog.ItemForm{}, noop, err
	}

	var form catalog.ItemForm
	form.Name, _ = flags.GetString("name")
	form.Description, _ = flags.GetString("description")
	form.PriceCents, _ = flags.GetInt64("price-cents")
	form.Currency, _ = flags.GetString("currency")

	path, _ := flags.GetString("image")
	if path == "" {
		return form, noop, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return catalog.ItemForm{}, noop, fmt.Errorf("sell: image: %w", err)
	}
	form.Image = &catalog.Image{Filename: filepath.Base(path), Content: f}
	return form, func() { f.Close() }, nil
}

func (c *cli) health(ctx context.Context, _ *pflag.FlagSet, _ []string) error {
	if err := c.app.Catalog.Health(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "API is up at %s\n", c.app.Gateway.BaseURL())
	return nil
}

// ============================================
// Cart
// ============================================

func (c *cli) showCart(ctx context.Context, _ *pflag.FlagSet, _ []string) error {
	if _, err := c.app.Cart.FetchOverview(ctx); err != nil {
		return err
	}
	printCart(c.out, c.app.Cart.Summary())
	return nil
}

func (c *cli) add(ctx context.Context, _ *pflag.FlagSet, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("add: usage: add <item-id> [quantity]")
	}
	itemID, err := parseID(args[0], "item id")
	if err != nil {
		return err
	}
	quantity := 1
	if len(args) == 2 {
		if quantity, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("add: quantity %q is not a number", args[1])
		}
	}
	line, err := c.app.Cart.AddItem(ctx, itemID, quantity)
	if err != nil {
		return err
	}
	printLine(c.out, line)
	return nil
}

func (c *cli) update(ctx context.Context, _ *pflag.FlagSet, args []string) error {
	if len(args) != 2 {
		return errors.New("update: usage: update <line-id> <quantity>")
	}
	lineID, err := parseID(args[0], "line id")
	if err != nil {
		return err
	}
	quantity, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("update: quantity %q is not a number", args[1])
	}
	line, err := c.app.Cart.UpdateQuantity(ctx, lineID, quantity)
	if err != nil {
		return err
	}
	printLine(c.out, line)
	return nil
}

func (c *cli) increment(ctx context.Context, _ *pflag.FlagSet, args []string) error {
	lineID, err := c.knownLine(ctx, args)
	if err != nil {
		return err
	}
	line, err := c.app.Cart.IncrementItem(ctx, lineID)
	if err != nil {
		return err
	}
	printLine(c.out, line)
	return nil
}

func (c *cli) decrement(ctx context.Context, _ *pflag.FlagSet, args []string) error {
	lineID, err := c.knownLine(ctx, args)
	if err != nil {
		return err
	}
	line, kept, err := c.app.Cart.DecrementItem(ctx, lineID)
	if err != nil {
		return err
	}
	if !kept {
		fmt.Fprintf(c.out, "Removed line %d\n", lineID)
		return nil
	}
	printLine(c.out, line)
	return nil
}

// knownLine parses the line id and loads the cart when the line is not in
// local state yet, as in a one-shot invocation
func (c *cli) knownLine(ctx context.Context, args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("a single line id is required")
	}
	lineID, err := parseID(args[0], "line id")
	if err != nil {
		return 0, err
	}
	if _, ok := c.app.Cart.Line(lineID); !ok {
		if _, err := c.app.Cart.FetchOverview(ctx); err != nil {
			return 0, err
		}
	}
	return lineID, nil
}

func (c *cli) remove(ctx context.Context, _ *pflag.FlagSet, args []string) error {
	if len(args) != 1 {
		return errors.New("remove: usage: remove <line-id>")
	}
	lineID, err := parseID(args[0], "line id")
	if err != nil {
		return err
	}
	if err := c.app.Cart.RemoveItem(ctx, lineID); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Removed line %d\n", lineID)
	return nil
}

func (c *cli) clear(ctx context.Context, _ *pflag.FlagSet, _ []string) error {
	if err := c.app.Cart.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Cart cleared.")
	return nil
}

// ============================================
// Orders
// ============================================

func (c *cli) checkout(ctx context.Context, _ *pflag.FlagSet, _ []string) error {
	order, err := c.app.Checkout.CreateOrderFromCart(ctx)
	if err != nil {
		return err
	}
	printOrder(c.out, order)
	return nil
}

func (c *cli) orders(ctx context.Context, _ *pflag.FlagSet, _ []string) error {
	orders, err := c.app.Checkout.FetchUserOrders(ctx)
	if err != nil {
		return err
	}
	printOrders(c.out, orders)
	return nil
}

func (c *cli) orderStatus(ctx context.Context, _ *pflag.FlagSet, args []string) error {
	if len(args) != 2 {
		return errors.New("order-status: usage: order-status <order-id> <status>")
	}
	orderID, err := parseID(args[0], "order id")
	if err != nil {
		return err
	}
	order, err := c.app.Checkout.UpdateOrderStatus(ctx, orderID, model.OrderStatus(strings.ToUpper(args[1])))
	if err != nil {
		return err
	}
	printOrder(c.out, order)
	return nil
}

// ============================================
// Activity
// ============================================

func (c *cli) history(context.Context, *pflag.FlagSet, []string) error {
	events := c.app.History.Events()
	if len(events) == 0 {
		fmt.Fprintln(c.out, "Nothing yet.")
		return nil
	}
	for _, e := range events {
		fmt.Fprintln(c.out, notification.Describe(e))
	}
	return nil
}

func (c *cli) activityCommand() *Command {
	return &Command{
		Name:    "activity",
		Summary: "Follow the activity stream from Kafka",
		Usage:   "[flags]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("activity", pflag.ContinueOnError)
			fs.Bool("all", false, "show every user's events, not only yours")
			fs.String("group", "", "consumer group; defaults to the configured one")
			return fs
		},
		Run: func(ctx context.Context, flags *pflag.FlagSet, _ []string) error {
			if !c.cfg.Activity.Enabled() {
				return errors.New("activity: no Kafka brokers configured (set KAFKA_BROKERS or activity.brokers)")
			}
			all, _ := flags.GetBool("all")
			group, _ := flags.GetString("group")
			if group == "" {
				group = c.cfg.Activity.GroupID
			}

			var userID int64
			if !all {
				user, ok := c.app.Session.CurrentUser()
				if !ok {
					return gateway.ErrAuthenticationRequired
				}
				userID = user.ID
			}

			consumer := kafka.NewConsumer(c.cfg.Activity.Brokers, c.cfg.Activity.Topic, group, c.logger)
			defer consumer.Close()
			handler := notification.NewHandler(notification.NewWriterNotifier(c.out), userID, c.logger)

			fmt.Fprintf(c.errOut, "Following %s, Ctrl-C to stop.\n", c.cfg.Activity.Topic)
			if err := consumer.Consume(ctx, handler.HandleEvent); err != nil && ctx.Err() == nil {
				return fmt.Errorf("activity: %w", err)
			}
			return nil
		},
	}
}

// ============================================
// Helpers
// ============================================

func (c *cli) prompt(label string) (string, error) {
	fmt.Fprint(c.out, label)
	line, err := c.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// explain turns an error into what the user sees. Failures the gateway has
// already shown become a bare exit code.
func (c *cli) explain(err error) error {
	var exit *ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exit):
		return err
	case errors.Is(err, gateway.ErrAuthenticationRequired):
		fmt.Fprintln(c.errOut, "Not logged in. Run: storefront login <username>")
		return &ExitError{Code: 1}
	case errors.Is(err, session.ErrForbidden):
		fmt.Fprintln(c.errOut, "Your account is not allowed to do that.")
		return &ExitError{Code: 1}
	case errors.Is(err, gateway.ErrSessionExpired):
		return &ExitError{Code: 1}
	}

	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusUnauthorized {
		return &ExitError{Code: 1}
	}
	return err
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s %q is not a positive number", what, arg)
	}
	return id, nil
}
