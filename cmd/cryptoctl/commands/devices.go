package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"e2e_crypto/internal/store"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect and trust other devices",
	}

	var refresh bool
	list := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's known devices and their trust",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if refresh {
				if err := machine.TrackUsers(ctx, args[0]); err != nil {
					return err
				}
				if _, err := relayClient(ctx); err != nil {
					return err
				}
			}
			devices, err := machine.Trust().UserDevices(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tTRUST\tED25519")
			for _, d := range devices {
				if d.Device.Deleted {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Device.DeviceID(), d.State, d.Device.Ed25519())
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&refresh, "refresh", false, "query the relay for the user's keys first")

	cmd.AddCommand(list,
		trustCmd("verify", "Mark a device as verified", store.LocalTrustVerified),
		trustCmd("blacklist", "Never share room keys with a device", store.LocalTrustBlacklisted),
		trustCmd("ignore", "Share room keys with a device without warnings", store.LocalTrustIgnored),
		trustCmd("unset", "Forget the local trust decision about a device", store.LocalTrustUnset),
	)
	return cmd
}

func trustCmd(use, short string, t store.LocalTrust) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user-id> <device-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return machine.Trust().SetLocalTrust(cmd.Context(), args[0], args[1], t)
		},
	}
}
