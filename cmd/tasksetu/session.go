package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tasksetu/internal/app"
	"tasksetu/internal/auth"
	"tasksetu/internal/domain"
	"tasksetu/internal/repo"
)

const tokenEnvKey = "TASKSETU_TOKEN"

func loginCmd() *cobra.Command {
	var token string
	var guest bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with an ID token or as a guest",
		Long: `Sign in with an ID token (--token or TASKSETU_TOKEN). Without a configured
auth.jwt_secret the client runs in demo mode and any credential signs in the
demo user. --guest creates a local guest identity instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = viper.GetString("token")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					id  domain.Identity
					err error
				)
				if guest {
					id, err = a.Engine.SignInAsGuest(ctx)
				} else {
					if token == "" && !a.Auth.DemoMode() {
						return errors.New("a token is required: pass --token, set TASKSETU_TOKEN or use --guest")
					}
					id, err = a.Engine.SignIn(ctx, token)
				}
				if err != nil {
					return err
				}
				a.Engine.Wait()
				if jsonOutput() {
					return printJSON(sessionView(a))
				}
				fmt.Printf("Signed in as %s (%s)\n", displayName(id), id.ID)
				printWorkspaceCount(a)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "ID token")
	cmd.Flags().BoolVar(&guest, "guest", false, "sign in as a guest")
	cmd.MarkFlagsMutuallyExclusive("token", "guest")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the local session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.SignOut(ctx); err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]string{"session": "signed_out"})
				}
				fmt.Println("Signed out")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and active workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if jsonOutput() {
					return printJSON(sessionView(a))
				}
				id, err := a.Engine.CurrentUser()
				if err != nil {
					return err
				}
				st := a.Engine.Snapshot()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRow(table.Row{"User", displayName(id)})
				tw.AppendRow(table.Row{"ID", id.ID})
				tw.AppendRow(table.Row{"Email", id.Email})
				if ws, ok := st.Workspace(st.ActiveID); ok {
					tw.AppendRow(table.Row{"Workspace", fmt.Sprintf("%s (%s)", ws.Name, ws.ID)})
				}
				tw.AppendRow(table.Row{"Workspaces", len(st.Workspaces)})
				tw.Render()
				return nil
			})
		},
	}
}

// tokenCmd issues ID tokens signed with auth.jwt_secret, for scripting and
// for handing to API clients of 'tasksetu serve'.
func tokenCmd() *cobra.Command {
	var userID, name, email string
	var ttl time.Duration
	var save bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an ID token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions())
			if err != nil {
				return err
			}
			provider := auth.NewTokenProvider(cfg.Auth.JWTSecret, nil)
			if provider.DemoMode() {
				return errors.New("auth.jwt_secret (or TASKSETU_JWT_SECRET) is required to issue tokens")
			}
			if strings.TrimSpace(name) == "" {
				return errors.New("--name is required")
			}
			if userID == "" {
				userID = uuid.NewString()
			}
			token, err := provider.IssueToken(domain.Identity{ID: userID, Name: name, Email: email}, ttl)
			if err != nil {
				return err
			}
			if save {
				if err := saveEnvValue(".env", tokenEnvKey, token); err != nil {
					return err
				}
			}
			if jsonOutput() {
				return printJSON(map[string]string{"user_id": userID, "token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id (random when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "store the token as "+tokenEnvKey+" in ./.env")
	return cmd
}

// saveEnvValue sets key in a dotenv file, keeping the other entries.
func saveEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}

type sessionOutput struct {
	Session           string           `json:"session"`
	User              *domain.Identity `json:"user,omitempty"`
	ActiveWorkspaceID string           `json:"active_workspace_id,omitempty"`
	Workspaces        []domain.Team    `json:"workspaces"`
	PendingWrites     int              `json:"pending_writes"`
}

func sessionView(a *app.App) sessionOutput {
	st := a.Engine.Snapshot()
	out := sessionOutput{
		Session:           string(st.Session),
		User:              st.Identity,
		ActiveWorkspaceID: st.ActiveID,
		Workspaces:        st.Workspaces,
	}
	if out.Workspaces == nil {
		out.Workspaces = []domain.Team{}
	}
	if pending, err := pendingEntries(context.Background(), a); err == nil {
		out.PendingWrites = len(pending)
	}
	return out
}

func printWorkspaceCount(a *app.App) {
	st := a.Engine.Snapshot()
	active := st.ActiveID
	if ws, ok := st.Workspace(st.ActiveID); ok {
		active = ws.Name
	}
	fmt.Printf("%d workspace(s), active: %s\n", len(st.Workspaces), active)
}

func displayName(id domain.Identity) string {
	if id.Name != "" {
		return id.Name
	}
	if id.Email != "" {
		return id.Email
	}
	return id.ID
}

func pendingEntries(ctx context.Context, a *app.App) ([]repo.OutboxEntry, error) {
	items, err := a.Outbox.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []repo.OutboxEntry{}
	}
	return items, nil
}
