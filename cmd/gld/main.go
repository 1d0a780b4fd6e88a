package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	cl "goldrun/internal/cli"
	"goldrun/internal/config"
	"goldrun/internal/game"

	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "gld",
		Short:        "goldrun game client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newSignupCmd(&apiBase),
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newMeCmd(&apiBase),
		newUsersCmd(&apiBase),
		newScriptCmd(&apiBase),
		newDeleteAccountCmd(&apiBase),
		newWatchCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func requireSession() (cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("login required: %w", err)
	}
	return sess, nil
}

func saveAuth(out game.AuthResult) error {
	return cl.SaveSession(cl.Session{
		AccessToken: out.Session.AccessToken,
		UserID:      out.User.ID,
		Username:    out.User.Username,
		ExpiresAt:   out.Session.ExpiresAt,
	})
}

func newSignupCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "signup",
		Short: "Create a goldrun account",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := promptRequired("Username")
			if err != nil {
				return err
			}
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Register(ctx, username, password, email)
			if err != nil {
				return err
			}
			if err := saveAuth(out); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Welcome %s. You start with %d gold.", out.User.Username, out.User.Gold))
			printInfo("Upload a strategy with `gld script push <file>`.")
			return nil
		},
	}
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Login to goldrun",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := promptRequired("Username")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Login(ctx, username, password)
			if err != nil {
				return err
			}
			if err := saveAuth(out); err != nil {
				return err
			}
			printSuccess("Login successful.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newMeCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show your balance, script and recent investments",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			me, err := newClient(apiBase).Me(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderProfile(me)
			return nil
		},
	}
}

func newUsersCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List every player and their gold",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			users, err := newClient(apiBase).Users(ctx)
			if err != nil {
				return err
			}
			self := int64(0)
			if sess, err := cl.LoadSession(); err == nil {
				self = sess.UserID
			}
			renderUsers(users, self)
			return nil
		},
	}
}

func newScriptCmd(apiBase *string) *cobra.Command {
	script := &cobra.Command{
		Use:   "script",
		Short: "Manage your strategy script",
	}
	script.AddCommand(&cobra.Command{
		Use:   "push <file>",
		Short: "Upload a strategy script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := newClient(apiBase).UploadScript(ctx, sess.AccessToken, string(raw)); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Uploaded %s. It runs from the next tick.", args[0]))
			return nil
		},
	})
	script.AddCommand(&cobra.Command{
		Use:   "pull [file]",
		Short: "Download your current script to a file or stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			me, err := newClient(apiBase).Me(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				fmt.Println(me.Code)
				return nil
			}
			if err := os.WriteFile(args[0], []byte(me.Code), 0o644); err != nil {
				return err
			}
			printSuccess("Saved script to " + args[0])
			return nil
		},
	})
	return script
}

func newDeleteAccountCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-account",
		Short: "Permanently delete your account",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			answer, err := promptRequired(fmt.Sprintf("Type %q to confirm", sess.Username))
			if err != nil {
				return err
			}
			if answer != sess.Username {
				return errors.New("confirmation did not match, nothing deleted")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := newClient(apiBase).DeleteMe(ctx, sess.AccessToken); err != nil {
				return err
			}
			_ = cl.ClearSession()
			printWarn("Account deleted.")
			return nil
		},
	}
}

func newWatchCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live leaderboard and your script's events",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), newClient(apiBase), sess)
		},
	}
}
