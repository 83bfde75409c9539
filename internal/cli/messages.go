package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Chase-Garrett/courier/internal/contact"
	"github.com/Chase-Garrett/courier/internal/protocol"
	"github.com/Chase-Garrett/courier/internal/relayclient"
)

func init() {
	rootCmd.AddCommand(addContactCmd, sendCmd, historyCmd, listenCmd)
	historyCmd.Flags().Int("limit", 50, "number of messages to fetch")
	historyCmd.Flags().Bool("read", false, "mark fetched messages as read")
	listenCmd.Flags().Bool("read", true, "mark incoming messages as read as they arrive")
}

var addContactCmd = &cobra.Command{
	Use:   "add-contact <identity>",
	Short: "Pair with another identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ident, err := loggedIn()
		if err != nil {
			return err
		}
		pc, err := apiClient(ident).CreateContact(cmd.Context(), args[0])
		if err != nil {
			return errors.Wrapf(err, "add contact %s", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "contact %s -> %s\n", pc.ID, pc.ContactUserID)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <contactId> <message>",
	Short: "Send a message to a contact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ident, err := loggedIn()
		if err != nil {
			return err
		}
		conn, err := dialRelay(cmd.Context(), ident)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()

		engine, err := openConversation(cmd.Context(), ident, args[0], conn)
		if err != nil {
			return err
		}
		if err := conn.JoinUserRoom(cmd.Context()); err != nil {
			return err
		}
		m, err := engine.Send(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", m.MessageID)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <contactId>",
	Short: "Show the conversation with a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ident, err := loggedIn()
		if err != nil {
			return err
		}
		engine, err := openConversation(cmd.Context(), ident, args[0], nil)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		if err := engine.LoadHistory(cmd.Context(), protocol.ListOptions{Limit: limit}); err != nil {
			return err
		}

		msgs := engine.Messages()
		for i := len(msgs) - 1; i >= 0; i-- {
			printMessage(cmd.OutOrStdout(), msgs[i])
		}
		if read, _ := cmd.Flags().GetBool("read"); read {
			return engine.MarkVisible(cmd.Context(), messageIDs(msgs)...)
		}
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen <contactId>",
	Short: "Follow a conversation live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ident, err := loggedIn()
		if err != nil {
			return err
		}
		conn, err := dialRelay(ctx, ident)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()

		engine, err := openConversation(ctx, ident, args[0], conn)
		if err != nil {
			return err
		}
		if err := conn.JoinUserRoom(ctx); err != nil {
			return err
		}
		if err := engine.LoadHistory(ctx, protocol.ListOptions{}); err != nil {
			return err
		}

		markRead, _ := cmd.Flags().GetBool("read")
		out := cmd.OutOrStdout()
		shown := make(map[string]protocol.Status)
		show := func() {
			msgs := engine.Messages()
			for i := len(msgs) - 1; i >= 0; i-- {
				m := msgs[i]
				if status, ok := shown[m.MessageID]; ok && status == m.Status {
					continue
				}
				shown[m.MessageID] = m.Status
				printMessage(out, m)
			}
			if markRead {
				if err := engine.MarkVisible(ctx, messageIDs(msgs)...); err != nil {
					log.WithError(err).Warn("mark read failed")
				}
			}
		}
		show()

		return conn.Run(ctx, func(ctx context.Context, f protocol.Frame) error {
			if err := engine.HandleFrame(ctx, f); err != nil {
				return err
			}
			show()
			return nil
		})
	},
}

func dialRelay(ctx context.Context, ident *Identity) (*relayclient.Conn, error) {
	serverURL := ident.ServerURL
	if serverURL == "" {
		serverURL = cfg.Client.ServerURL
	}
	return relayclient.Dial(ctx, serverURL, ident.ID, ident.Token, log)
}

func openConversation(ctx context.Context, ident *Identity, contactID string, relay *relayclient.Conn) (*contact.Engine, error) {
	kp, err := ident.KeyPair()
	if err != nil {
		return nil, err
	}
	client := apiClient(ident)
	pc, err := client.Contact(ctx, contactID)
	if err != nil {
		return nil, errors.Wrapf(err, "load contact %s", contactID)
	}
	c, err := contact.FromProtocol(pc)
	if err != nil {
		return nil, err
	}

	var emitter contact.Emitter
	if relay != nil {
		emitter = relay
	}
	engine := contact.NewEngine(ident.ID, kp, client, emitter, contact.Options{
		SendTimeout:        cfg.Client.SendTimeout,
		MaxCiphertextBytes: cfg.Limits.MaxCiphertextBytes,
		MaxRequestBytes:    cfg.Limits.MaxRequestBytes,
	}, log)
	engine.SetActive(c)
	return engine, nil
}

func messageIDs(msgs []contact.Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.MessageID)
	}
	return ids
}

func printMessage(w io.Writer, m contact.Message) {
	who := "them"
	if m.Direction == protocol.DirectionUser {
		who = "you"
	}
	text := m.Payload.Message
	if m.Status == protocol.StatusDeleted {
		text = "(deleted)"
	}
	line := fmt.Sprintf("%s  %-4s  %-9s  %s", m.CreatedAt.Local().Format(time.DateTime), who, m.Status, text)
	if m.Reaction != nil {
		line += "  [" + *m.Reaction + "]"
	}
	fmt.Fprintln(w, line)
}
