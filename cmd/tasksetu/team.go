package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"tasksetu/internal/app"
	"tasksetu/internal/auth"
	"tasksetu/internal/domain"
	"tasksetu/internal/engine"
)

func teamCmd() *cobra.Command {
	team := &cobra.Command{Use: "team", Short: "Manage workspaces and teams"}
	team.AddCommand(teamListCmd())
	team.AddCommand(teamCreateCmd())
	team.AddCommand(teamJoinCmd())
	team.AddCommand(teamUseCmd())
	team.AddCommand(teamRenameCmd())
	team.AddCommand(teamAdminCmd())
	team.AddCommand(teamRegenCodeCmd())
	return team
}

func teamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.CurrentUser(); err != nil {
					return err
				}
				st := a.Engine.Snapshot()
				if jsonOutput() {
					return printJSON(sessionView(a).Workspaces)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"", "ID", "Name", "Members", "Admins", "Join code"})
				for _, t := range st.Workspaces {
					marker := ""
					if t.ID == st.ActiveID {
						marker = "*"
					}
					tw.AppendRow(table.Row{marker, t.ID, t.Name, len(t.Members), len(t.AdminIDs), joinCodeLabel(t)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func teamCreateCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a team and make it active",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				team, err := a.Engine.CreateTeam(strings.Join(args, " "), description)
				if err != nil {
					return err
				}
				return printTeam(team, "Created")
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "team description")
	return cmd
}

func teamJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <code>",
		Short: "Join a team with its join code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				team, err := a.Engine.JoinTeam(ctx, args[0])
				if err != nil {
					return err
				}
				return printTeam(team, "Joined")
			})
		},
	}
}

func teamUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id|name>",
		Short: "Switch the active workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				team, err := resolveTeam(a, args[0])
				if err != nil {
					return err
				}
				if err := a.Engine.SelectWorkspace(team.ID); err != nil {
					return err
				}
				return printTeam(team, "Active")
			})
		},
	}
}

func teamRenameCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "rename <id|name> <new name>",
		Short: "Rename a team (admins only)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				team, err := resolveTeam(a, args[0])
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("description") {
					description = team.Description
				}
				team, err = a.Engine.RenameTeam(team.ID, strings.Join(args[1:], " "), description)
				if err != nil {
					return err
				}
				return printTeam(team, "Updated")
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "new description")
	return cmd
}

func teamAdminCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admin <team> <user-id>",
		Short: "Grant or revoke admin rights for a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				team, err := resolveTeam(a, args[0])
				if err != nil {
					return err
				}
				team, err = a.Engine.ToggleAdmin(team.ID, args[1])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(team)
				}
				state := "revoked"
				if slices.Contains(team.AdminIDs, args[1]) {
					state = "granted"
				}
				fmt.Printf("Admin %s for %s in %s\n", state, args[1], team.Name)
				return nil
			})
		},
	}
}

func teamRegenCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regen-code <team>",
		Short: "Issue a fresh join code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				team, err := resolveTeam(a, args[0])
				if err != nil {
					return err
				}
				team, err = a.Engine.RegenerateJoinCode(team.ID)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(team)
				}
				fmt.Printf("Join code for %s: %s\n", team.Name, team.JoinCode)
				return nil
			})
		},
	}
}

// resolveTeam finds a workspace by exact id, then by case-insensitive name.
func resolveTeam(a *app.App, ref string) (domain.Team, error) {
	st := a.Engine.Snapshot()
	if st.Identity == nil {
		return domain.Team{}, auth.ErrNotSignedIn
	}
	if t, ok := st.Workspace(ref); ok {
		return t, nil
	}
	var matches []domain.Team
	for _, t := range st.Workspaces {
		if strings.EqualFold(t.Name, strings.TrimSpace(ref)) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return domain.Team{}, fmt.Errorf("%q: %w", ref, engine.ErrWorkspaceNotFound)
	case 1:
		return matches[0], nil
	}
	return domain.Team{}, fmt.Errorf("%q matches %d workspaces, use the id", ref, len(matches))
}

func printTeam(t domain.Team, verb string) error {
	if jsonOutput() {
		return printJSON(t)
	}
	fmt.Printf("%s %s (%s)\n", verb, t.Name, t.ID)
	if t.JoinCode != "" {
		fmt.Printf("Join code: %s\n", joinCodeLabel(t))
	}
	return nil
}

func joinCodeLabel(t domain.Team) string {
	if t.JoinCode == "" {
		return ""
	}
	return fmt.Sprintf("%s (used %d)", t.JoinCode, t.JoinCodeUsage)
}
