package commands

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"matrixchat/internal/domain"
)

func initCmd() *cobra.Command {
	var apiURL string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Seed the local database with the homeserver URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("homeserver URL required (--api-url)")
			}
			cfg, err := db.Config()
			if err != nil {
				return err
			}
			if len(cfg.DataKey) == 0 {
				cfg.DataKey = make([]byte, 32)
				if _, err := rand.Read(cfg.DataKey); err != nil {
					return err
				}
			}
			cfg.APIURL = apiURL
			if err := db.SetConfig(domain.Config{APIURL: cfg.APIURL, DataKey: cfg.DataKey}); err != nil {
				return err
			}
			fmt.Printf("Configured for %s\n", apiURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "", "homeserver base URL (e.g. https://matrix.example.org)")
	return cmd
}
