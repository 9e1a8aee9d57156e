package commands

import (
	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <room-id> <message>",
		Short: "Send a message to a room, encrypting when required",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newSyncer()
			if err != nil {
				return err
			}
			// One sync first so membership and encryption state are current.
			if err := svc.Sync(cmd.Context()); err != nil {
				return err
			}
			return svc.Send(cmd.Context(), args[0], args[1])
		},
	}
}
