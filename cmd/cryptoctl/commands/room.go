package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"e2e_crypto/internal/model"
)

func roomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Encrypt and decrypt room messages",
	}

	var members []string
	encrypt := &cobra.Command{
		Use:   "encrypt <room-id> <message>",
		Short: "Share the room key with members and print an encrypted event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			roomID, body := args[0], args[1]
			if err := machine.TrackUsers(ctx, members...); err != nil {
				return err
			}
			c, err := relayClient(ctx)
			if err != nil {
				return err
			}
			id, err := machine.Identity(ctx)
			if err != nil {
				return err
			}
			users := append([]string{id.UserID}, members...)
			if err := c.ShareRoomKey(ctx, roomID, users); err != nil {
				return err
			}

			content, err := machine.EncryptRoomEvent(ctx, roomID, "m.room.message", map[string]string{"msgtype": "m.text", "body": body})
			if err != nil {
				return err
			}
			raw, err := json.Marshal(content)
			if err != nil {
				return err
			}
			ev := model.RoomEvent{
				EventID:        "$" + uuid.NewString(),
				Sender:         id.UserID,
				RoomID:         roomID,
				Type:           model.EventEncrypted,
				Content:        raw,
				OriginServerTS: time.Now().UnixMilli(),
			}
			return json.NewEncoder(os.Stdout).Encode(ev)
		},
	}
	encrypt.Flags().StringSliceVar(&members, "to", nil, "other room members")

	decrypt := &cobra.Command{
		Use:   "decrypt [file]",
		Short: "Decrypt an encrypted room event read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = os.Stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var ev model.RoomEvent
			if err := json.NewDecoder(in).Decode(&ev); err != nil {
				return err
			}

			dec, err := machine.DecryptRoomEvent(cmd.Context(), &ev)
			if err != nil {
				// A key request may have been queued.
				if _, ferr := relayClient(cmd.Context()); ferr != nil {
					return fmt.Errorf("%w (sending key request: %v)", err, ferr)
				}
				return err
			}
			fmt.Printf("%s from %s (%s), trust %s\n%s\n",
				dec.Type, dec.Info.Sender, dec.Info.SenderDeviceID, dec.Info.Trust, dec.Content)
			return nil
		},
	}

	cmd.AddCommand(encrypt, decrypt)
	return cmd
}
