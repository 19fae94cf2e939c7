package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Show and publish this device's identity",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the device identity keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := machine.Identity(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("User:       %s\n", id.UserID)
			fmt.Printf("Device:     %s\n", id.DeviceID)
			fmt.Printf("Curve25519: %s\n", id.Curve25519)
			fmt.Printf("Ed25519:    %s\n", id.Ed25519)
			return nil
		},
	}

	publish := &cobra.Command{
		Use:   "publish",
		Short: "Upload device and one-time keys to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := relayClient(cmd.Context())
			return err
		},
	}

	var reset bool
	crossSigning := &cobra.Command{
		Use:   "cross-signing",
		Short: "Create cross-signing keys and upload them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := machine.BootstrapCrossSigning(cmd.Context(), reset); err != nil {
				return err
			}
			_, err := relayClient(cmd.Context())
			return err
		},
	}
	crossSigning.Flags().BoolVar(&reset, "reset", false, "replace existing cross-signing keys")

	cmd.AddCommand(show, publish, crossSigning)
	return cmd
}
