package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pion/logging"
	"github.com/spf13/cobra"

	"matrixchat/internal/homeserver"
	"matrixchat/internal/kdf"
	"matrixchat/internal/services/syncer"
	"matrixchat/internal/store"
)

var (
	home       string
	passphrase string
	verbose    bool

	db *store.SQL
	lf *logging.DefaultLoggerFactory
)

func Execute() error {
	root := &cobra.Command{
		Use:   "matrixchat",
		Short: "End-to-end encrypted chat client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".matrixchat")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			lf = logging.NewDefaultLoggerFactory()
			lf.DefaultLogLevel = logging.LogLevelWarn
			if verbose {
				lf.DefaultLogLevel = logging.LogLevelDebug
			}

			dbKey := kdf.DeriveKey(nil, []byte(passphrase), []byte("matrixchat database key"), 32)
			var err error
			db, err = store.OpenSQL(filepath.Join(home, "client.db"), dbKey)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if db != nil {
				return db.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.matrixchat)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the local database")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(initCmd(), loginCmd(), sendCmd(), runCmd(), verifyCmd())
	return root.Execute()
}

// newSyncer builds the sync service from stored configuration.
func newSyncer() (*syncer.Service, error) {
	cfg, err := db.Config()
	if err != nil {
		return nil, err
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("no homeserver configured, run init first")
	}
	hs := homeserver.New(cfg.APIURL, lf)
	return syncer.New(db, hs, lf)
}
