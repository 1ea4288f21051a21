package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/besafe/chat/internal/chat"
	"github.com/besafe/chat/internal/events"
	"github.com/besafe/chat/internal/reconcile"
)

var noRealtime bool

func init() {
	sendCmd.Flags().BoolVar(&noRealtime, "rest", false, "skip the realtime connection and send over REST")
	rootCmd.AddCommand(conversationsCmd, historyCmd, sendCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, e *env) error {
			if _, err := e.signedIn(ctx); err != nil {
				return err
			}
			list := e.svc.NewChatList(nil)
			if err := list.Load(ctx); err != nil {
				return err
			}
			items := list.Items()
			if jsonFlag {
				return outputJSON(items)
			}
			if len(items) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONTACT\tNAME\tUNREAD\tLAST\tMESSAGE")
			for _, c := range items {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", c.ContactID, c.Name, c.UnreadCount, formatTime(c.LastMessageAt), preview(c.LastMessage))
			}
			return w.Flush()
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <contact id>",
	Short: "Print the messages exchanged with a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, e *env) error {
			self, err := e.signedIn(ctx)
			if err != nil {
				return err
			}
			msgs, err := e.api.History(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(msgs)
			}
			for _, m := range msgs {
				sender := m.SenderID.String()
				if sender == self {
					sender = "you"
				}
				fmt.Printf("%s  %-8s %s\n", formatTime(m.CreatedAt), sender, m.Message)
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <contact id> <message...>",
	Short: "Send a message, over realtime when possible and REST otherwise",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, e *env) error {
			self, err := e.signedIn(ctx)
			if err != nil {
				return err
			}
			contact, body := args[0], strings.Join(args[1:], " ")
			if strings.TrimSpace(body) == "" {
				return chat.ErrEmptyMessage
			}
			if !noRealtime && !e.svc.Conn.Connect(ctx) {
				fmt.Fprintln(os.Stderr, "realtime unavailable, sending over REST")
			}

			convID := chat.ConversationID(self, contact)
			settled, unsubscribe := e.svc.Conn.Bus().Subscribe(8, events.KindMessageSent, events.KindDeliveryUpdated)
			defer unsubscribe()

			out := e.svc.Delivery.Send(ctx, convID, body, contact)
			msg, err := awaitDelivery(ctx, e.svc.Engine, convID, out.LocalID, settled, e.cfg.ConfirmTimeout.Duration+time.Second)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(map[string]any{
					"localId":  msg.LocalID,
					"serverId": msg.ServerID,
					"route":    out.Route,
					"state":    msg.State.String(),
				})
			}
			if msg.State != reconcile.Sent {
				if out.Err != nil {
					return fmt.Errorf("send failed via %s: %w", out.Route, out.Err)
				}
				return fmt.Errorf("send failed via %s", out.Route)
			}
			fmt.Printf("Sent %s via %s\n", msg.ServerID, out.Route)
			return nil
		})
	},
}

// awaitDelivery waits until the local message leaves the pending state.
func awaitDelivery(ctx context.Context, engine *reconcile.Engine, convID, localID string, settled <-chan events.Event, timeout time.Duration) (reconcile.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		msgs := engine.Messages(convID)
		i := slices.IndexFunc(msgs, func(m reconcile.Message) bool { return m.LocalID == localID })
		if i < 0 {
			return reconcile.Message{}, fmt.Errorf("message %s vanished", localID)
		}
		if msgs[i].State != reconcile.Pending {
			return msgs[i], nil
		}
		select {
		case <-settled:
		case <-deadline.C:
			return msgs[i], fmt.Errorf("no confirmation within %s", timeout)
		case <-ctx.Done():
			return msgs[i], ctx.Err()
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func preview(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	if r := []rune(s); len(r) > 40 {
		return string(r[:39]) + "…"
	}
	return s
}
