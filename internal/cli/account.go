package cli

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Chase-Garrett/courier/internal/auth"
	"github.com/Chase-Garrett/courier/internal/envelope"
)

func init() {
	rootCmd.AddCommand(registerCmd, loginCmd)
	registerCmd.Flags().String("id", "", "identity to register")
	registerCmd.Flags().String("password", "", "account password")
	registerCmd.Flags().String("server", "", "server URL (overrides client.server_url)")
	_ = registerCmd.MarkFlagRequired("id")
	_ = registerCmd.MarkFlagRequired("password")

	loginCmd.Flags().String("password", "", "account password")
	_ = loginCmd.MarkFlagRequired("password")
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Generate key pairs and register a new identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		password, _ := cmd.Flags().GetString("password")
		serverURL, _ := cmd.Flags().GetString("server")
		if serverURL == "" {
			serverURL = cfg.Client.ServerURL
		}

		if existing, err := LoadIdentity(keyFile); err == nil {
			return errors.Errorf("%s already holds identity %q", keyFile, existing.ID)
		}

		kp, err := envelope.GenerateKeyPair()
		if err != nil {
			return err
		}
		ident := NewIdentity(id, serverURL, kp)

		err = apiClient(ident).Register(cmd.Context(), auth.Registration{
			ID:                  id,
			Password:            password,
			EncryptionPublicKey: ident.EncryptionPublicKey,
			SigningPublicKey:    ident.SigningPublicKey,
		})
		if err != nil {
			return errors.Wrap(err, "register")
		}

		token, err := apiClient(ident).Login(cmd.Context(), id, password)
		if err != nil {
			return errors.Wrap(err, "login")
		}
		ident.Token = token
		if err := SaveIdentity(keyFile, ident); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s; keys saved to %s\n", id, keyFile)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Refresh the saved bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		ident, err := LoadIdentity(keyFile)
		if err != nil {
			return err
		}
		password, _ := cmd.Flags().GetString("password")

		token, err := apiClient(ident).Login(cmd.Context(), ident.ID, password)
		if err != nil {
			return errors.Wrap(err, "login")
		}
		ident.Token = token
		if err := SaveIdentity(keyFile, ident); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", ident.ID)
		return nil
	},
}
