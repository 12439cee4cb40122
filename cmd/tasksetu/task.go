package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"tasksetu/internal/ai"
	"tasksetu/internal/app"
	"tasksetu/internal/domain"
	"tasksetu/internal/engine"
	"tasksetu/internal/storage"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks in the active workspace"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskEditCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskCommentCmd())
	task.AddCommand(taskAttachCmd())
	task.AddCommand(taskDetachCmd())
	task.AddCommand(taskExtractCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var search, status, assignee, dueBefore string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := engine.Filter{Search: search}
			if status != "" {
				st, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			due, err := domain.ParseDate(dueBefore)
			if err != nil {
				return err
			}
			f.DueBefore = due
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.CurrentUser(); err != nil {
					return err
				}
				if assignee != "" {
					id, err := resolveUser(a, assignee)
					if err != nil {
						return err
					}
					f.AssigneeID = id.ID
				}
				tasks := a.Engine.VisibleTasks(f)
				if jsonOutput() {
					if tasks == nil {
						tasks = []domain.Task{}
					}
					return printJSON(tasks)
				}
				st := a.Engine.Snapshot()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Due", "Assignee"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{shortID(t.ID), t.Title, t.Status, t.Priority, t.DueDate, userLabel(st, t.AssigneeID)})
				}
				tw.Render()
				if st.Loading {
					fmt.Println("(still loading from the remote, list may be partial)")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "match title, description or assignee name")
	cmd.Flags().StringVar(&status, "status", "", "TODO, IN_PROGRESS, BLOCKED, COMPLETED or ARCHIVED")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee id, name or 'me'")
	cmd.Flags().StringVar(&dueBefore, "due-before", "", "due on or before YYYY-MM-DD")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with its comments and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := resolveTask(a, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(t)
				}
				st := a.Engine.Snapshot()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRow(table.Row{"ID", t.ID})
				tw.AppendRow(table.Row{"Title", t.Title})
				tw.AppendRow(table.Row{"Status", t.Status})
				tw.AppendRow(table.Row{"Priority", t.Priority})
				tw.AppendRow(table.Row{"Due", t.DueDate})
				tw.AppendRow(table.Row{"Assignee", userLabel(st, t.AssigneeID)})
				tw.AppendRow(table.Row{"Creator", userLabel(st, t.CreatorID)})
				if t.Description != "" {
					tw.AppendRow(table.Row{"Description", t.Description})
				}
				for _, att := range t.Attachments {
					tw.AppendRow(table.Row{"Attachment", fmt.Sprintf("%s %s %s", shortID(att.ID), att.Name, att.URL)})
				}
				tw.Render()
				for _, c := range t.Comments {
					fmt.Printf("\n[%s] %s:\n%s\n", c.Timestamp, userLabel(st, c.UserID), c.Content)
				}
				if len(t.Logs) > 0 {
					fmt.Println()
					lw := table.NewWriter()
					lw.SetOutputMirror(os.Stdout)
					lw.AppendHeader(table.Row{"When", "Who", "Action", "Details"})
					for _, l := range t.Logs {
						lw.AppendRow(table.Row{l.Timestamp, userLabel(st, l.UserID), l.Action, l.Details})
					}
					lw.Render()
				}
				return nil
			})
		},
	}
}

func taskCreateCmd() *cobra.Command {
	var description, assignee, status, priority, due string
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task in the active workspace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := engine.TaskDraft{Title: strings.Join(args, " "), Description: description}
			if status != "" {
				st, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				d.Status = st
			}
			if priority != "" {
				p, err := domain.ParsePriority(priority)
				if err != nil {
					return err
				}
				d.Priority = p
			}
			dueDate, err := domain.ParseDate(due)
			if err != nil {
				return err
			}
			d.DueDate = dueDate
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if assignee != "" {
					id, err := resolveUser(a, assignee)
					if err != nil {
						return err
					}
					d.AssigneeID = id.ID
				}
				t, err := a.Engine.CreateTask(d)
				if err != nil {
					return err
				}
				return printTask(t, "Created")
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee id, name or 'me' (default: you)")
	cmd.Flags().StringVar(&status, "status", "", "initial status (default TODO)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high (default medium)")
	cmd.Flags().StringVar(&due, "due", "", "due date YYYY-MM-DD")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a task to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := resolveTask(a, args[0])
				if err != nil {
					return err
				}
				t, err = a.Engine.UpdateTaskStatus(t.ID, status)
				if err != nil {
					return err
				}
				return printTask(t, "Updated")
			})
		},
	}
}

func taskEditCmd() *cobra.Command {
	var title, description, assignee, priority, due string
	var clearReminder bool
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := engine.TaskPatch{
				Title:         optionalString(cmd, "title", title),
				Description:   optionalString(cmd, "description", description),
				ClearReminder: clearReminder,
			}
			if cmd.Flags().Changed("priority") {
				pr, err := domain.ParsePriority(priority)
				if err != nil {
					return err
				}
				p.Priority = &pr
			}
			if cmd.Flags().Changed("due") {
				d, err := domain.ParseDate(due)
				if err != nil {
					return err
				}
				p.DueDate = &d
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := resolveTask(a, args[0])
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("assignee") {
					id, err := resolveUser(a, assignee)
					if err != nil {
						return err
					}
					p.AssigneeID = &id.ID
				}
				t, err = a.Engine.EditTask(t.ID, p)
				if err != nil {
					return err
				}
				return printTask(t, "Updated")
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee id, name or 'me'")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&due, "due", "", "due date YYYY-MM-DD, empty clears it")
	cmd.Flags().BoolVar(&clearReminder, "clear-reminder", false, "remove the reminder")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := resolveTask(a, args[0])
				if err != nil {
					return err
				}
				if err := a.Engine.DeleteTask(t.ID); err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]string{"deleted": t.ID})
				}
				fmt.Printf("Deleted %s\n", t.Title)
				return nil
			})
		},
	}
}

func taskCommentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <id> <text>",
		Short: "Comment on a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := resolveTask(a, args[0])
				if err != nil {
					return err
				}
				t, err = a.Engine.AddComment(t.ID, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return printTask(t, "Commented on")
			})
		},
	}
}

func taskAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <id> <file>...",
		Short: "Upload files and attach them to a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]storage.File, 0, len(args)-1)
			for _, p := range args[1:] {
				f, err := readFile(p)
				if err != nil {
					return err
				}
				files = append(files, f)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := resolveTask(a, args[0])
				if err != nil {
					return err
				}
				t, results, err := a.Engine.AddAttachments(ctx, t.ID, files)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(t)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"File", "Result"})
				for _, r := range results {
					outcome := r.URL
					if r.Err != nil {
						outcome = "failed: " + r.Err.Error()
					}
					tw.AppendRow(table.Row{r.File.Name, outcome})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskDetachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach <id> <attachment-id>",
		Short: "Remove an attachment from a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := resolveTask(a, args[0])
				if err != nil {
					return err
				}
				attID := args[1]
				for _, att := range t.Attachments {
					if strings.HasPrefix(att.ID, attID) {
						attID = att.ID
						break
					}
				}
				t, err = a.Engine.RemoveAttachment(t.ID, attID)
				if err != nil {
					return err
				}
				return printTask(t, "Updated")
			})
		},
	}
}

func taskExtractCmd() *cobra.Command {
	var create bool
	cmd := &cobra.Command{
		Use:   "extract <file>",
		Short: "Let the assistant read a task out of a document or image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := readFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				draft, err := a.AI.ExtractTaskFields(ctx, f)
				if err != nil {
					if errors.Is(err, ai.ErrUnavailable) {
						return errors.New(ai.UserMessage(err))
					}
					return err
				}
				if !create {
					if jsonOutput() {
						return printJSON(draft)
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendRow(table.Row{"Title", draft.Title})
					tw.AppendRow(table.Row{"Description", draft.Description})
					tw.AppendRow(table.Row{"Priority", draft.Priority})
					tw.AppendRow(table.Row{"Due", draft.DueDate})
					tw.AppendRow(table.Row{"Assignee", draft.Assignee})
					tw.Render()
					return nil
				}
				t, err := a.Engine.CreateTask(taskFromDraft(a, draft))
				if err != nil {
					return err
				}
				t, results, err := a.Engine.AddAttachments(ctx, t.ID, []storage.File{f})
				if err != nil {
					return err
				}
				if r := results[0]; r.Err != nil {
					a.Log.WithField("error", r.Err).Warn("source file was not attached")
				}
				return printTask(t, "Created")
			})
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "create the task and attach the file")
	return cmd
}

// taskFromDraft keeps what the assistant read that is valid and drops the
// rest.
func taskFromDraft(a *app.App, draft ai.TaskDraft) engine.TaskDraft {
	d := engine.TaskDraft{Title: draft.Title, Description: draft.Description}
	if p, err := domain.ParsePriority(draft.Priority); err == nil {
		d.Priority = p
	}
	if due, err := domain.ParseDate(draft.DueDate); err == nil {
		d.DueDate = due
	}
	if draft.Assignee != "" {
		if id, err := resolveUser(a, draft.Assignee); err == nil {
			d.AssigneeID = id.ID
		}
	}
	return d
}

// resolveTask accepts a full id or a unique prefix of one in the active
// workspace.
func resolveTask(a *app.App, ref string) (domain.Task, error) {
	st := a.Engine.Snapshot()
	if st.Identity == nil {
		if _, err := a.Engine.CurrentUser(); err != nil {
			return domain.Task{}, err
		}
	}
	if t, ok := st.Task(ref); ok {
		return t, nil
	}
	var found []domain.Task
	for _, t := range st.Tasks {
		if t.TeamID == st.ActiveID && strings.HasPrefix(t.ID, ref) {
			found = append(found, t)
		}
	}
	switch len(found) {
	case 0:
		return domain.Task{}, fmt.Errorf("%q: %w", ref, engine.ErrTaskNotFound)
	case 1:
		return found[0], nil
	}
	return domain.Task{}, fmt.Errorf("%q matches %d tasks, use a longer id", ref, len(found))
}

// resolveUser maps an id, a display name, an email or "me" to a known user.
func resolveUser(a *app.App, ref string) (domain.Identity, error) {
	me, err := a.Engine.CurrentUser()
	if err != nil {
		return domain.Identity{}, err
	}
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.EqualFold(ref, "me") || ref == me.ID {
		return me, nil
	}
	st := a.Engine.Snapshot()
	if id, ok := st.Users[ref]; ok {
		return id, nil
	}
	for _, id := range st.Directory() {
		if strings.EqualFold(id.Name, ref) || strings.EqualFold(id.Email, ref) {
			return id, nil
		}
	}
	// Members whose profile has not been fetched are still valid assignees.
	if ws, ok := st.Workspace(st.ActiveID); ok {
		for _, m := range ws.Members {
			if m == ref {
				return domain.Identity{ID: m}, nil
			}
		}
	}
	return domain.Identity{}, fmt.Errorf("unknown user %q", ref)
}

func readFile(path string) (storage.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return storage.File{}, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return storage.File{Name: filepath.Base(path), MimeType: mimeType, Data: data}, nil
}

func printTask(t domain.Task, verb string) error {
	if jsonOutput() {
		return printJSON(t)
	}
	fmt.Printf("%s %s [%s] %s\n", verb, shortID(t.ID), t.Status, t.Title)
	return nil
}

func userLabel(st engine.State, id string) string {
	if id == "" {
		return ""
	}
	if u, ok := st.Users[id]; ok && u.Name != "" {
		return u.Name
	}
	if id == ai.AssistantUserID {
		return "Assistant"
	}
	return id
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
