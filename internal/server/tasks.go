package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"tasksetu/internal/domain"
	"tasksetu/internal/engine"
	"tasksetu/internal/storage"
)

var taskErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

type taskOutput struct {
	Body domain.Task `json:"body"`
}

func badRequest(err error) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
}

func parseOptionalDate(s string) (domain.Date, error) {
	if s == "" {
		return "", nil
	}
	return domain.ParseDate(s)
}

func (r CreateTaskRequest) draft() (engine.TaskDraft, error) {
	d := engine.TaskDraft{
		Title:       r.Title,
		Description: r.Description,
		AssigneeID:  r.AssigneeID,
		Reminder:    r.Reminder,
	}
	if r.Status != "" {
		st, err := domain.ParseStatus(r.Status)
		if err != nil {
			return d, err
		}
		d.Status = st
	}
	if r.Priority != "" {
		p, err := domain.ParsePriority(r.Priority)
		if err != nil {
			return d, err
		}
		d.Priority = p
	}
	due, err := parseOptionalDate(r.DueDate)
	if err != nil {
		return d, err
	}
	d.DueDate = due
	return d, nil
}

func (r UpdateTaskRequest) patch() (engine.TaskPatch, error) {
	p := engine.TaskPatch{
		Title:         r.Title,
		Description:   r.Description,
		AssigneeID:    r.AssigneeID,
		Reminder:      r.Reminder,
		ClearReminder: r.ClearReminder,
	}
	if r.Priority != nil {
		pr, err := domain.ParsePriority(*r.Priority)
		if err != nil {
			return p, err
		}
		p.Priority = &pr
	}
	if r.DueDate != nil {
		due, err := parseOptionalDate(*r.DueDate)
		if err != nil {
			return p, err
		}
		p.DueDate = &due
	}
	return p, nil
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "Tasks of the active workspace after filtering",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Search     string `query:"search"`
		Status     string `query:"status" enum:"TODO,IN_PROGRESS,BLOCKED,COMPLETED,ARCHIVED"`
		AssigneeID string `query:"assignee_id"`
		DueBefore  string `query:"due_before" example:"2024-03-31"`
	}) (*struct {
		Body TasksResponse `json:"body"`
	}, error) {
		if _, err := e.CurrentUser(); err != nil {
			return nil, handleError(err)
		}
		f := engine.Filter{Search: input.Search, AssigneeID: input.AssigneeID}
		if input.Status != "" {
			st, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, badRequest(err)
			}
			f.Status = st
		}
		due, err := parseOptionalDate(input.DueBefore)
		if err != nil {
			return nil, badRequest(err)
		}
		f.DueBefore = due
		st := e.Snapshot()
		return &struct {
			Body TasksResponse `json:"body"`
		}{Body: TasksResponse{WorkspaceID: st.ActiveID, Loading: st.Loading, Items: nonNilSlice(e.VisibleTasks(f))}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create a task in the active workspace",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		d, err := input.Body.draft()
		if err != nil {
			return nil, badRequest(err)
		}
		t, err := e.CreateTask(d)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Edit task details",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		p, err := input.Body.patch()
		if err != nil {
			return nil, badRequest(err)
		}
		t, err := e.EditTask(input.ID, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/status",
		Summary:     "Move a task to another column",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateStatusRequest `json:"body"`
	}) (*taskOutput, error) {
		st, err := domain.ParseStatus(input.Body.Status)
		if err != nil {
			return nil, badRequest(err)
		}
		t, err := e.UpdateTaskStatus(input.ID, st)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete a task",
		DefaultStatus: http.StatusNoContent,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteTask(input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/comments",
		Summary:       "Comment on a task",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body CommentRequest `json:"body"`
	}) (*taskOutput, error) {
		t, err := e.AddComment(input.ID, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})
}

func registerAttachments(api huma.API, e *engine.Engine, extractor Extractor) {
	huma.Register(api, huma.Operation{
		OperationID: "add-attachments",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/attachments",
		Summary:     "Upload files and attach them to a task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AttachRequest `json:"body"`
	}) (*struct {
		Body AttachResponse `json:"body"`
	}, error) {
		files := make([]storage.File, len(input.Body.Files))
		for i, f := range input.Body.Files {
			files[i] = storage.File{Name: f.Name, MimeType: f.MimeType, Data: f.Data}
		}
		t, results, err := e.AddAttachments(ctx, input.ID, files)
		if err != nil {
			return nil, handleError(err)
		}
		out := AttachResponse{Task: t, Results: make([]UploadResult, len(results))}
		for i, r := range results {
			out.Results[i] = UploadResult{Name: r.File.Name, URL: r.URL}
			if r.Err != nil {
				out.Results[i].Error = r.Err.Error()
			}
		}
		return &struct {
			Body AttachResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-attachment",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}/attachments/{attachment_id}",
		Summary:     "Detach a file and reclaim its storage",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID           string `path:"id"`
		AttachmentID string `path:"attachment_id"`
	}) (*taskOutput, error) {
		t, err := e.RemoveAttachment(input.ID, input.AttachmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "extract-task",
		Method:      http.MethodPost,
		Path:        "/tasks/extract",
		Summary:     "Read a task draft out of a document or image",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body ExtractRequest `json:"body"`
	}) (*struct {
		Body CreateTaskRequest `json:"body"`
	}, error) {
		if extractor == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "ai_unavailable", "assistant not configured", nil)
		}
		if len(input.Body.File.Data) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "file data is required", nil)
		}
		f := input.Body.File
		draft, err := extractor.ExtractTaskFields(ctx, storage.File{Name: f.Name, MimeType: f.MimeType, Data: f.Data})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateTaskRequest `json:"body"`
		}{Body: CreateTaskRequest{
			Title:       draft.Title,
			Description: draft.Description,
			Priority:    draft.Priority,
			DueDate:     draft.DueDate,
		}}, nil
	})
}
