package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"e2e_crypto/internal/service/engine"
)

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Receive to-device events from the relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := relayClient(ctx)
			if err != nil {
				return err
			}
			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Close()

			err = c.Listen(ctx, func(_ context.Context, events []*engine.ProcessedToDevice) {
				for _, ev := range events {
					switch {
					case ev.Err != nil:
						fmt.Printf("%s from %s: %v\n", ev.Type, ev.Sender, ev.Err)
					case ev.Encrypted:
						fmt.Printf("%s from %s (encrypted)\n", ev.Type, ev.Sender)
					default:
						fmt.Printf("%s from %s\n", ev.Type, ev.Sender)
					}
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
