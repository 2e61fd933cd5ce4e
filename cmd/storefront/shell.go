package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/common-nighthawk/go-figure"
	"github.com/spf13/pflag"
)

func printBanner(w io.Writer) {
	fmt.Fprintln(w, figure.NewFigure("storefront", "cybermedium", true).String())
}

// shell reads commands line by line until EOF, "exit" or cancellation.
// State lives in one process, so the cart is fetched once and then kept in
// sync by each mutation.
func (c *cli) shell(ctx context.Context, _ *pflag.FlagSet, _ []string) error {
	printBanner(c.out)
	fmt.Fprintln(c.out, "Type 'help' for commands, 'exit' to leave.")

	if _, ok := c.app.Session.CurrentUser(); ok {
		if _, err := c.app.Cart.FetchOverview(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("initial cart fetch failed")
		}
	}

	root := c.root()
	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(c.out, c.promptLabel())

		line, err := c.in.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || strings.TrimSpace(line) == "") {
			fmt.Fprintln(c.out)
			return nil
		}

		args, err := splitArgs(line)
		if err != nil {
			fmt.Fprintf(c.errOut, "error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "exit", "quit":
			return nil
		case "shell":
			fmt.Fprintln(c.errOut, "Already in the shell.")
			continue
		}

		if err := c.explain(root.Execute(ctx, c.out, args)); err != nil {
			var exit *ExitError
			if !errors.As(err, &exit) {
				fmt.Fprintf(c.errOut, "error: %v\n", err)
			}
		}
	}
}

func (c *cli) promptLabel() string {
	user, ok := c.app.Session.CurrentUser()
	if !ok {
		return "guest> "
	}
	if count := c.app.Cart.Summary().ItemCount; count > 0 {
		return fmt.Sprintf("%s [%d]> ", user.Username, count)
	}
	return user.Username + "> "
}

// splitArgs splits a shell line on spaces, keeping double-quoted runs together
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		quoted  bool
		started bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			started = true
		case unicode.IsSpace(r) && !quoted:
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote")
	}
	if started {
		args = append(args, current.String())
	}
	return args, nil
}
