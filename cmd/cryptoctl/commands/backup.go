package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"e2e_crypto/internal/service/backup"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage room key backups and export files",
	}

	var passphrase string
	newKey := &cobra.Command{
		Use:   "new-key",
		Short: "Create a recovery key and enable backups to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				key        *backup.RecoveryKey
				salt       string
				iterations int
				err        error
			)
			if passphrase != "" {
				if salt, err = backup.NewSalt(); err != nil {
					return err
				}
				iterations = backup.DefaultIterations
				key, err = backup.RecoveryKeyFromPassphrase(passphrase, salt, iterations)
			} else {
				key, err = backup.NewRecoveryKey()
			}
			if err != nil {
				return err
			}

			info, err := machine.Backup().NewBackupInfo(ctx, key, salt, iterations)
			if err != nil {
				return err
			}
			info.Version = uuid.NewString()
			if err := machine.Backup().EnableBackup(ctx, info); err != nil {
				return err
			}
			if err := machine.Backup().SaveRecoveryKey(ctx, key); err != nil {
				return err
			}

			raw, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Printf("Recovery key: %s\n%s\n", key, raw)
			return nil
		},
	}
	newKey.Flags().StringVarP(&passphrase, "passphrase", "p", "", "derive the key from a passphrase")

	status := &cobra.Command{
		Use:   "status",
		Short: "Print how many room keys are backed up",
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := machine.Backup().RoomKeyCounts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Room keys: %d, backed up: %d\n", counts.Total, counts.BackedUp)
			return nil
		},
	}

	var (
		out        string
		iterations int
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Write every room key to a passphrase protected file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("a passphrase is required")
			}
			data, err := machine.Backup().ExportRoomKeys(cmd.Context(), passphrase, iterations, nil)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o600)
		},
	}
	export.Flags().StringVarP(&passphrase, "passphrase", "p", "", "file passphrase")
	export.Flags().StringVarP(&out, "out", "o", "-", "output file")
	export.Flags().IntVar(&iterations, "iterations", backup.DefaultIterations, "PBKDF2 rounds")

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import room keys from an export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			res, err := machine.Backup().ImportRoomKeys(cmd.Context(), data, passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d of %d room keys\n", res.Imported, res.Total)
			return nil
		},
	}
	importCmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "file passphrase")

	cmd.AddCommand(newKey, status, export, importCmd)
	return cmd
}
