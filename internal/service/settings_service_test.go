package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomchat/engine/internal/repository/repositorytest"
)

func TestSettingsService_InitAndGet(t *testing.T) {
	ctx := context.Background()
	defaults := Settings{CurrentModel: "llama3.2", ChatMode: "balanced"}

	t.Run("Success - first run seeds defaults", func(t *testing.T) {
		repo := repositorytest.New()
		service := NewSettingsService(repo, nil)

		settings, err := service.InitAndGet(ctx, defaults)
		require.NoError(t, err)
		assert.Equal(t, defaults, settings)

		// the defaults are now durable, not just returned
		stored, err := repo.GetSetting(ctx, "current_model")
		require.NoError(t, err)
		assert.Equal(t, "llama3.2", stored)
	})

	t.Run("Success - existing settings win over defaults", func(t *testing.T) {
		repo := repositorytest.New()
		service := NewSettingsService(repo, nil)
		require.NoError(t, service.Save(ctx, Settings{CurrentModel: "mistral", WebSearchEnabled: true}))

		settings, err := service.InitAndGet(ctx, defaults)
		require.NoError(t, err)
		assert.Equal(t, "mistral", settings.CurrentModel)
		assert.True(t, settings.WebSearchEnabled)
	})

	t.Run("Failure - store error propagates", func(t *testing.T) {
		repo := repositorytest.New()
		repo.Err = errors.New("disk full")
		service := NewSettingsService(repo, nil)

		_, err := service.InitAndGet(ctx, defaults)
		assert.Error(t, err)
	})
}

func TestSettingsService_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := repositorytest.New()
	service := NewSettingsService(repo, nil)

	saved := Settings{
		CurrentModel:       "qwen2.5",
		WebSearchEnabled:   true,
		ChatMode:           "deep-research",
		CustomInstructions: "answer in haiku",
		LastThreadID:       "thread-1",
	}
	require.NoError(t, service.Save(ctx, saved))

	loaded, err := service.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)

	require.NoError(t, service.SetLastThreadID(ctx, "thread-2"))
	loaded, err = service.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "thread-2", loaded.LastThreadID)
}
