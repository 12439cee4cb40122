package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tasksetu/internal/ai"
	"tasksetu/internal/app"
	"tasksetu/internal/config"
	"tasksetu/internal/engine"
	"tasksetu/internal/logging"
	"tasksetu/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local HTTP API",
		Long: `Serve the signed-in session over HTTP. When auth.jwt_secret is set every
request needs a bearer ID token for the signed-in user; in demo mode the API
is open. The outbox is replayed in the background while serving.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, appOptions())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			cfg := server.Config{
				Engine:    a.Engine,
				Outbox:    a.Outbox,
				Extractor: a.AI,
				BasePath:  basePath,
				Log:       logging.Component(a.Log, "http"),
			}
			if a.Files != nil {
				cfg.Files = a.Files
			}
			if !a.Auth.DemoMode() {
				cfg.Auth.Verifier = a.Auth
			}
			handler, err := server.New(cfg)
			if err != nil {
				return err
			}

			go a.Outbox.Run(ctx, a.Config.Outbox.Interval)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving TaskSetu API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List known profiles of your workspaces' members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.CurrentUser(); err != nil {
					return err
				}
				users := a.Engine.Snapshot().Directory()
				if jsonOutput() {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{Use: "outbox", Short: "Inspect and replay writes waiting for the remote"}
	ob.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := pendingEntries(ctx, a)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Entity", "Attempts", "Next attempt", "Last error"})
				for _, e := range items {
					tw.AppendRow(table.Row{shortID(e.ID), e.Kind, e.EntityID, e.Attempts, e.NextAttemptAt.Local().Format(time.DateTime), e.LastError})
				}
				tw.Render()
				return nil
			})
		},
	})
	ob.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Replay pending writes now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Outbox.Flush(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				fmt.Printf("Delivered %d, dropped %d, retrying %d, superseded %d\n", res.Delivered, res.Dropped, res.Retrying, res.Superseded)
				return nil
			})
		},
	})
	return ob
}

func askCmd() *cobra.Command {
	var taskRef string
	var logToComments bool
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Ask the assistant about a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := resolveTask(a, taskRef)
				if err != nil {
					return err
				}
				chat := a.Engine.NewChatSession(t.ID, logToComments)
				reply, err := chat.Send(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(reply)
				}
				fmt.Println(reply.Message.Content)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskRef, "task", "", "task id or id prefix")
	cmd.Flags().BoolVar(&logToComments, "log", false, "keep the conversation as a comment on the task")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Ask the assistant for a workload overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				text, err := a.Engine.Summary(ctx)
				if err != nil {
					if errors.Is(err, ai.ErrUnavailable) {
						return errors.New(ai.UserMessage(err))
					}
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]string{"summary": text})
				}
				fmt.Println(text)
				return nil
			})
		},
	}
}

// voiceCmd sends one recorded question over the live socket and writes the
// spoken answer. Input is 16 kHz and output 24 kHz, both 16-bit mono PCM.
func voiceCmd() *cobra.Command {
	var in, out string
	var chunk int
	cmd := &cobra.Command{
		Use:   "voice",
		Short: "Talk to the assistant with recorded audio",
		RunE: func(cmd *cobra.Command, args []string) error {
			audio, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			if chunk <= 0 {
				chunk = 32 << 10
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				me, err := a.Engine.CurrentUser()
				if err != nil {
					return err
				}
				tasks := a.Engine.VisibleTasks(engine.Filter{})
				live, err := ai.DialLive(ctx, a.LiveConfig(), tasks, me.Name)
				if err != nil {
					if errors.Is(err, ai.ErrUnavailable) {
						return errors.New(ai.UserMessage(err))
					}
					return err
				}
				defer live.Close()
				for start := 0; start < len(audio); start += chunk {
					end := min(start+chunk, len(audio))
					if err := live.SendAudio(audio[start:end]); err != nil {
						return err
					}
				}
				var reply []byte
				var text strings.Builder
				for {
					frame, err := live.Receive(ctx)
					if errors.Is(err, io.EOF) {
						break
					}
					if err != nil {
						return err
					}
					reply = append(reply, frame.Audio...)
					text.WriteString(frame.Text)
					if frame.TurnComplete {
						break
					}
				}
				if out != "" {
					if err := os.WriteFile(out, reply, 0o644); err != nil {
						return err
					}
				}
				if jsonOutput() {
					return printJSON(map[string]any{"text": text.String(), "audio_bytes": len(reply), "out": out})
				}
				if text.Len() > 0 {
					fmt.Println(text.String())
				}
				fmt.Printf("Received %d bytes of audio\n", len(reply))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "16 kHz 16-bit mono PCM file")
	cmd.Flags().StringVar(&out, "out", "reply.pcm", "where to write the 24 kHz reply")
	cmd.Flags().IntVar(&chunk, "chunk", 32<<10, "bytes per audio message")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter tasksetu.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(appOptions())
			if err != nil {
				return err
			}
			redacted := *c
			if redacted.Auth.JWTSecret != "" {
				redacted.Auth.JWTSecret = "***"
			}
			if redacted.AI.APIKey != "" {
				redacted.AI.APIKey = "***"
			}
			return printJSON(redacted)
		},
	})
	return cfg
}
