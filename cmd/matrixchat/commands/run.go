package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"matrixchat/internal/event"
	"matrixchat/internal/services/syncer"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync continuously, printing messages as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newSyncer()
			if err != nil {
				return err
			}

			svc.OnMessage = func(m *event.Message) {
				lock := " "
				if m.Encrypted {
					lock = "*"
				}
				fmt.Printf("%s [%s]%s %s: %s\n",
					m.Timestamp.Format("15:04:05"), m.RoomID, lock, m.UserID, m.Body)
			}
			installVerificationPrompt(svc)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = svc.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

// installVerificationPrompt wires the SAS prompt to the terminal. The sync
// loop is single threaded, so reading stdin here blocks the handshake until
// the user answers, which is the intended behaviour.
func installVerificationPrompt(svc *syncer.Service) {
	ver := svc.Verification()
	if ver == nil {
		return
	}
	ver.EmojiPrompt = func(txid, userID, deviceID string, emoji []string) {
		fmt.Printf("\nVerifying %s/%s. Compare the emoji on both devices:\n  %s\n",
			userID, deviceID, strings.Join(emoji, "  "))
		fmt.Print("Do they match? [y/N] ")
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.TrimSpace(strings.ToLower(answer)) != "y" {
			fmt.Println("Not confirmed, leaving the device unverified.")
			return
		}
		if err := ver.ConfirmSAS(context.Background(), svc.Account(), txid); err != nil {
			fmt.Printf("confirmation failed: %v\n", err)
		}
	}
	ver.Verified = func(userID, deviceID string) {
		fmt.Printf("Device %s/%s verified.\n", userID, deviceID)
	}
}
