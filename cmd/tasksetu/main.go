package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tasksetu/internal/app"
	"tasksetu/internal/config"
	"tasksetu/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "tasksetu",
	Short: "TaskSetu team task client",
	Long: `TaskSetu keeps a personal workspace and any number of teams in sync with a
shared document store. Writes show up locally at once and reach the remote
in the background; when it is unreachable they wait in the local outbox.

- Workspace: the directory holding .tasksetu/ (local mirror) and tasksetu.yml.
- Session: 'tasksetu login' signs in with an ID token, or as a guest.
- Teams: create one, or join with a six character code from an admin.
- Tasks: belong to the active workspace ('tasksetu team use').
- Assistant: 'tasksetu ask' and 'tasksetu summary' talk about your tasks.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	// A missing .env is fine; the environment and flags still apply.
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKSETU")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("config", "", "config file (default <workspace>/tasksetu.yml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("remote", app.RemoteAuto, "remote backend: empty uses remote.mongo_uri, 'memory' keeps documents in process")
	flags.String("team", "", "workspace to act on (id or name) instead of the active one")
	for _, name := range []string{"workspace", "json", "config", "log-level", "remote", "team"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(voiceCmd())
	rootCmd.AddCommand(configCmd())
}

// overlay applies environment and flag values on top of the config file.
func overlay(cfg *config.Config) {
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("mongo-uri"); v != "" {
		cfg.Remote.MongoURI = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := viper.GetString("ai-api-key"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := viper.GetString("relay-url"); v != "" {
		cfg.Storage.RelayURL = v
	}
}

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Overlay:    overlay,
		Remote:     viper.GetString("remote"),
		LogOutput:  os.Stderr,
	}
}

// withApp opens the client, waits for the session to settle, runs fn and
// waits again so background remote writes finish before exit.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) (err error) {
	a, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.Background()); err == nil {
			err = cerr
		}
	}()
	a.Engine.Wait()
	if ref := viper.GetString("team"); ref != "" {
		team, err := resolveTeam(a, ref)
		if err != nil {
			return err
		}
		if err := a.Engine.SelectWorkspace(team.ID); err != nil {
			return err
		}
		a.Engine.Wait()
	}
	err = fn(ctx, a)
	a.Engine.Wait()
	return err
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(cmd *cobra.Command, name, value string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}
