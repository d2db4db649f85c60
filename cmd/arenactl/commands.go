package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/arena/internal/bus"
	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/input"
)

func newSendCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send COMMAND [ARG...]",
		Short: "Send a one-way command to the authority",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseArgs(args[1:])
			if err != nil {
				return err
			}
			c, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.session.SendToAuthority(args[0], values(payload)...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", okColor.Sprint("sent"), commandColor.Sprint(args[0]), formatArgs(payload))
			return nil
		},
	}
}

func newRequestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "request COMMAND [ARG...]",
		Short: "Send a request to the authority and print the reply",
		Example: `  arenactl request fetch -n playerdata --data
  arenactl request attributes -n Attack --channels InputEvents,InputAttributes`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseArgs(args[1:])
			if err != nil {
				return err
			}
			c, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.session.RequestFromAuthority(cmd.Context(), args[0], values(payload)...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", commandColor.Sprint(args[0]), formatArgs(reply))
			return nil
		},
	}
}

func newListenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "listen COMMAND...",
		Short: "Print matching commands sent to this peer until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			for _, name := range args {
				_, err := c.session.Listen(name, bus.Notify(func(_ context.Context, call *bus.Call) {
					fmt.Fprintf(out, "%s %s %s\n", peerColor.Sprint(call.From), commandColor.Sprint(call.Command), formatArgs(call.Args))
				}))
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "%s as %s\n", okColor.Sprint("listening"), peerColor.Sprint(c.ep.Self()))

			select {
			case <-ctx.Done():
				return nil
			case <-c.host.Done():
				return fmt.Errorf("connection to authority closed")
			}
		},
	}
}

func newBindingsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "bindings",
		Short: "List the keybinds from the configured content directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			bindings, err := input.LoadBindings(cfg.Content.KeybindsDir, input.NewKeyMapper())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, b := range bindings {
				fmt.Fprintf(out, "%-10s pc=%-8s xbox=%-8s module=%-10s cooldown=%gs button=%t\n",
					commandColor.Sprint(b.Action), b.PC, b.Xbox, b.Module, b.Cooldown, b.CreateButton)
			}
			return nil
		},
	}
}
