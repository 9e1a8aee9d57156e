package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <user-id> <device-id>",
		Short: "Run interactive verification with another device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newSyncer()
			if err != nil {
				return err
			}
			installVerificationPrompt(svc)

			// The target device must be known before we can verify it.
			if err := svc.Sync(cmd.Context()); err != nil {
				return err
			}

			ver := svc.Verification()
			if ver == nil {
				return fmt.Errorf("not logged in")
			}
			txid, err := ver.Start(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Verification %s started with %s/%s, waiting for the other side...\n",
				txid, args[0], args[1])

			done := make(chan struct{})
			ver.Verified = func(userID, deviceID string) {
				fmt.Printf("Device %s/%s verified.\n", userID, deviceID)
				close(done)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-done
				stop()
			}()
			err = svc.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
