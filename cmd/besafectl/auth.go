package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <user id>",
	Short: "Sign in and store the session token in the profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, e *env) error {
			sess, err := e.api.Login(ctx, args[0])
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			userID := sess.User.ID.String()
			if userID == "" {
				userID = args[0]
			}
			if err := e.db.SetToken(ctx, sess.Token, userID); err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(map[string]string{"profile": e.profile, "userId": userID})
			}
			fmt.Printf("Logged in as %s on profile %s\n", userID, e.profile)
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, e *env) error {
			if err := e.db.ClearToken(ctx); err != nil {
				return err
			}
			fmt.Printf("Logged out of profile %s\n", e.profile)
			return nil
		})
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user and whether the realtime server accepts the token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, e *env) error {
			userID, err := e.signedIn(ctx)
			if err != nil {
				return err
			}
			ok := e.svc.Conn.Connect(ctx)
			if jsonFlag {
				return outputJSON(map[string]any{
					"profile":       e.profile,
					"userId":        userID,
					"authenticated": ok,
					"state":         e.svc.Conn.State(),
				})
			}
			fmt.Printf("Profile: %s\n", e.profile)
			fmt.Printf("User:    %s\n", userID)
			fmt.Printf("State:   %s\n", e.svc.Conn.State())
			return nil
		})
	},
}
