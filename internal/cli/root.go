package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Chase-Garrett/courier/internal/config"
	"github.com/Chase-Garrett/courier/internal/contact"
	"github.com/Chase-Garrett/courier/internal/logger"
)

var (
	cfgFile string
	keyFile string
	cfg     *config.Config
	log     *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           "courier",
	Short:         "End-to-end encrypted contact messaging",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "load .env")
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return errors.Wrap(err, "load config")
		}
		if keyFile == "" {
			keyFile = cfg.Client.KeyFile
		}
		log = logger.New(cfg.Log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&keyFile, "identity", "", "identity key file (default from client.key_file)")
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// apiClient returns an HTTP client for the identity's server, authenticated when a token is saved.
func apiClient(id *Identity) *contact.Client {
	serverURL := cfg.Client.ServerURL
	if id != nil && id.ServerURL != "" {
		serverURL = id.ServerURL
	}
	c := contact.NewClient(serverURL, cfg.Client.SendTimeout)
	if id != nil && id.Token != "" {
		c = c.WithToken(id.Token)
	}
	return c
}

func loggedIn() (*Identity, error) {
	id, err := LoadIdentity(keyFile)
	if err != nil {
		return nil, err
	}
	if id.Token == "" {
		return nil, errors.New("not logged in; run 'courier login' first")
	}
	return id, nil
}
