package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func loginCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Authenticate and publish this device's keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("password required (--password)")
			}
			svc, err := newSyncer()
			if err != nil {
				return err
			}
			versions, err := svc.Versions(cmd.Context())
			if err != nil {
				return fmt.Errorf("homeserver unreachable: %w", err)
			}
			if len(versions) == 0 {
				return fmt.Errorf("homeserver reports no API versions")
			}
			if err := svc.Login(cmd.Context(), args[0], password); err != nil {
				return err
			}
			fmt.Println("Logged in, device keys published.")
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}
