package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"tasksetu/internal/domain"
	"tasksetu/internal/engine"
)

var sessionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusInternalServerError,
}

var teamErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
	http.StatusInternalServerError,
}

type sessionOutput struct {
	Body SessionResponse `json:"body"`
}

type teamOutput struct {
	Body domain.Team `json:"body"`
}

func registerSession(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Current session",
	}, func(ctx context.Context, _ *struct{}) (*sessionOutput, error) {
		return &sessionOutput{Body: sessionResponse(e.Snapshot())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-in",
		Method:      http.MethodPost,
		Path:        "/session/sign-in",
		Summary:     "Sign in with an ID token",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *struct {
		Body SignInRequest `json:"body"`
	}) (*sessionOutput, error) {
		if _, err := e.SignIn(ctx, input.Body.Credential); err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sessionResponse(e.Snapshot())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-in-guest",
		Method:      http.MethodPost,
		Path:        "/session/guest",
		Summary:     "Continue as a guest",
		Errors:      sessionErrors,
	}, func(ctx context.Context, _ *struct{}) (*sessionOutput, error) {
		if _, err := e.SignInAsGuest(ctx); err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sessionResponse(e.Snapshot())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-out",
		Method:      http.MethodPost,
		Path:        "/session/sign-out",
		Summary:     "Sign out and clear local state",
		Errors:      sessionErrors,
	}, func(ctx context.Context, _ *struct{}) (*sessionOutput, error) {
		if err := e.SignOut(ctx); err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: sessionResponse(e.Snapshot())}, nil
	})
}

func registerWorkspaces(api huma.API, e *engine.Engine) {
	type workspacesOutput struct {
		Body WorkspacesResponse `json:"body"`
	}
	list := func() *workspacesOutput {
		st := e.Snapshot()
		return &workspacesOutput{Body: WorkspacesResponse{ActiveWorkspaceID: st.ActiveID, Items: nonNilSlice(st.Workspaces)}}
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-workspaces",
		Method:      http.MethodGet,
		Path:        "/workspaces",
		Summary:     "Workspaces of the signed-in user, personal first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*workspacesOutput, error) {
		if _, err := e.CurrentUser(); err != nil {
			return nil, handleError(err)
		}
		return list(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-workspace",
		Method:      http.MethodPut,
		Path:        "/workspaces/active",
		Summary:     "Switch the active workspace",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SelectWorkspaceRequest `json:"body"`
	}) (*workspacesOutput, error) {
		if _, err := e.CurrentUser(); err != nil {
			return nil, handleError(err)
		}
		if strings.TrimSpace(input.Body.WorkspaceID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "workspace_id is required", nil)
		}
		if err := e.SelectWorkspace(input.Body.WorkspaceID); err != nil {
			return nil, handleError(err)
		}
		return list(), nil
	})
}

func registerTeams(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-team",
		Method:        http.MethodPost,
		Path:          "/teams",
		Summary:       "Create a team and make it active",
		DefaultStatus: http.StatusCreated,
		Errors:        teamErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTeamRequest `json:"body"`
	}) (*teamOutput, error) {
		team, err := e.CreateTeam(input.Body.Name, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &teamOutput{Body: team}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "join-team",
		Method:      http.MethodPost,
		Path:        "/teams/join",
		Summary:     "Join a team with a join code",
		Errors:      teamErrors,
	}, func(ctx context.Context, input *struct {
		Body JoinTeamRequest `json:"body"`
	}) (*teamOutput, error) {
		team, err := e.JoinTeam(ctx, input.Body.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &teamOutput{Body: team}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-team",
		Method:      http.MethodPatch,
		Path:        "/teams/{id}",
		Summary:     "Rename a team or change its description",
		Errors:      teamErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTeamRequest `json:"body"`
	}) (*teamOutput, error) {
		current, ok := e.Snapshot().Workspace(input.ID)
		if !ok {
			return nil, handleError(engine.ErrWorkspaceNotFound)
		}
		name, description := current.Name, current.Description
		if input.Body.Name != nil {
			name = *input.Body.Name
		}
		if input.Body.Description != nil {
			description = *input.Body.Description
		}
		team, err := e.RenameTeam(input.ID, name, description)
		if err != nil {
			return nil, handleError(err)
		}
		return &teamOutput{Body: team}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-team-admin",
		Method:      http.MethodPost,
		Path:        "/teams/{id}/admins/{user_id}",
		Summary:     "Grant or revoke admin rights for a member",
		Errors:      teamErrors,
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		UserID string `path:"user_id"`
	}) (*teamOutput, error) {
		team, err := e.ToggleAdmin(input.ID, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &teamOutput{Body: team}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "regenerate-join-code",
		Method:      http.MethodPost,
		Path:        "/teams/{id}/join-code",
		Summary:     "Issue a fresh join code",
		Errors:      teamErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*teamOutput, error) {
		team, err := e.RegenerateJoinCode(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &teamOutput{Body: team}, nil
	})
}
