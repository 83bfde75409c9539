package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/Chase-Garrett/courier/internal/server"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay and message store",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		srv, err := server.NewServer(cfg, log)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, srv.Close()) }()

		return srv.Start(cmd.Context())
	},
}
