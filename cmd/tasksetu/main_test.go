package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksetu/internal/app"
	"tasksetu/internal/config"
	"tasksetu/internal/db"
	"tasksetu/internal/engine"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	initConfig()
}

func TestSaveEnvValueKeepsOtherEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TASKSETU_AI_API_KEY=abc\n"), 0o600))

	require.NoError(t, saveEnvValue(path, tokenEnvKey, "t1"))
	require.NoError(t, saveEnvValue(path, tokenEnvKey, "t2"))

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TASKSETU_AI_API_KEY": "abc", tokenEnvKey: "t2"}, env)
}

func TestSaveEnvValueCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, saveEnvValue(path, tokenEnvKey, "t1"))
	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "t1", env[tokenEnvKey])
}

func TestOverlayReadsPrefixedEnvironment(t *testing.T) {
	resetViper(t)
	t.Setenv("TASKSETU_JWT_SECRET", "from-env")
	t.Setenv("TASKSETU_MONGO_URI", "mongodb://example:27017")
	t.Setenv("TASKSETU_LOG_LEVEL", "debug")

	cfg := config.Default()
	overlay(cfg)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "mongodb://example:27017", cfg.Remote.MongoURI)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Empty(t, cfg.AI.APIKey)
}

func TestWithAppPersistsBetweenRuns(t *testing.T) {
	resetViper(t)
	workspace := t.TempDir()
	viper.Set("workspace", workspace)
	viper.Set("remote", app.RemoteAuto)
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	ctx := context.Background()

	var taskID string
	err = withApp(ctx, func(ctx context.Context, a *app.App) error {
		if _, err := a.Engine.SignInAsGuest(ctx); err != nil {
			return err
		}
		a.Engine.Wait()
		task, err := a.Engine.CreateTask(engine.TaskDraft{Title: "Pay rent"})
		taskID = task.ID
		return err
	})
	require.NoError(t, err)

	err = withApp(ctx, func(ctx context.Context, a *app.App) error {
		user, err := a.Engine.CurrentUser()
		require.NoError(t, err)
		assert.True(t, user.Guest)
		task, err := resolveTask(a, taskID[:8])
		require.NoError(t, err)
		assert.Equal(t, "Pay rent", task.Title)
		pending, err := pendingEntries(ctx, a)
		require.NoError(t, err)
		assert.Empty(t, pending, "local-only writes have nothing to replay")
		return nil
	})
	require.NoError(t, err)
}

func TestResolveTeamByName(t *testing.T) {
	resetViper(t)
	workspace := t.TempDir()
	viper.Set("workspace", workspace)
	viper.Set("remote", app.RemoteMemory)
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)

	err = withApp(context.Background(), func(ctx context.Context, a *app.App) error {
		_, err := resolveTeam(a, "anything")
		assert.Error(t, err)

		_, err = a.Engine.SignInAsGuest(ctx)
		require.NoError(t, err)
		a.Engine.Wait()
		created, err := a.Engine.CreateTeam("Flat 4B", "")
		require.NoError(t, err)
		a.Engine.Wait()

		found, err := resolveTeam(a, "flat 4b")
		require.NoError(t, err)
		assert.Equal(t, created.ID, found.ID)

		_, err = resolveTeam(a, "nope")
		assert.ErrorIs(t, err, engine.ErrWorkspaceNotFound)
		return nil
	})
	require.NoError(t, err)
}
