package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/besafe/chat/internal/chat"
	"github.com/besafe/chat/internal/events"
)

var joinFlags []string

func init() {
	watchCmd.Flags().StringSliceVar(&joinFlags, "join", nil, "contact ids whose conversation rooms to join")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and stream realtime events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, e *env) error {
			self, err := e.signedIn(ctx)
			if err != nil {
				return err
			}
			// The core bus sees every event and is never cleared.
			stream, unsubscribe := e.svc.Conn.Core().Subscribe(64)
			defer unsubscribe()

			if !e.svc.Conn.Connect(ctx) {
				return fmt.Errorf("could not connect to %s", e.cfg.RealtimeURL)
			}
			for _, contact := range joinFlags {
				if !e.svc.Rooms.Join(ctx, chat.ConversationID(self, contact)) {
					return fmt.Errorf("could not join the conversation with %s", contact)
				}
			}

			for {
				select {
				case evt := <-stream:
					if err := printEvent(evt); err != nil {
						return err
					}
				case <-ctx.Done():
					return nil
				}
			}
		})
	},
}

func printEvent(evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if jsonFlag {
		return outputJSONLine(map[string]any{"event": evt.Kind(), "data": json.RawMessage(data)})
	}
	fmt.Printf("%s  %-18s %s\n", time.Now().Format("15:04:05"), evt.Kind(), data)
	return nil
}
