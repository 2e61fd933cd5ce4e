package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// Command is one CLI verb. Commands nest through Subcommands.
type Command struct {
	Name    string
	Summary string
	// Usage is the argument synopsis after the command path, e.g. "<item-id> [quantity]"
	Usage string

	// Flags returns a fresh flag set for one invocation; nil means no flags
	Flags func() *pflag.FlagSet

	Subcommands []*Command

	// Run receives the positional arguments left after flag parsing
	Run func(ctx context.Context, flags *pflag.FlagSet, args []string) error

	parent *Command
}

// ExitError ends the process with Code without printing anything more; the
// failure was already shown to the user
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// Execute dispatches args to the matching subcommand or to Run
func (c *Command) Execute(ctx context.Context, out io.Writer, args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.PrintHelp(out)
		return nil
	}

	if len(c.Subcommands) > 0 && len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		for _, sub := range c.Subcommands {
			if sub.Name == args[0] {
				sub.parent = c
				return sub.Execute(ctx, out, args[1:])
			}
		}
		return fmt.Errorf("unknown command %q\n\nRun '%s --help' for usage.", args[0], c.fullName())
	}

	if c.Run == nil {
		c.PrintHelp(out)
		if len(c.Subcommands) > 0 {
			return fmt.Errorf("subcommand required")
		}
		return fmt.Errorf("no action defined for %q", c.fullName())
	}

	var flags *pflag.FlagSet
	if c.Flags != nil {
		flags = c.Flags()
		flags.SetOutput(io.Discard)
		if err := flags.Parse(args); err != nil {
			return fmt.Errorf("%s\n\nRun '%s --help' for usage.", err, c.fullName())
		}
		args = flags.Args()
	}
	return c.Run(ctx, flags, args)
}

// PrintHelp writes usage, subcommands and flags to w
func (c *Command) PrintHelp(w io.Writer) {
	name := c.fullName()
	if c.Summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.Summary)
	}

	switch {
	case c.Usage != "":
		fmt.Fprintf(w, "Usage:\n  %s %s\n", name, c.Usage)
	case len(c.Subcommands) > 0:
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", name)
	default:
		fmt.Fprintf(w, "Usage:\n  %s\n", name)
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		tw.Flush()
	}

	if c.Flags != nil {
		var help strings.Builder
		flags := c.Flags()
		flags.SetOutput(&help)
		flags.PrintDefaults()
		if help.Len() > 0 {
			fmt.Fprintf(w, "\nFlags:\n%s", help.String())
		}
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", name)
	}
}

func (c *Command) fullName() string {
	if c.parent == nil {
		return c.Name
	}
	return c.parent.fullName() + " " + c.Name
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}
