package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomchat/engine/internal/config"
	"loomchat/engine/internal/notify"
)

func TestBuildNotifier(t *testing.T) {
	handler := func(notify.Message) {}

	t.Run("Success - file transport fallback", func(t *testing.T) {
		cfg := &config.Config{NotifyDir: t.TempDir(), NotifyDebounceMs: 300}
		notifier := buildNotifier(cfg, handler)
		require.NotNil(t, notifier)
		require.NoError(t, notifier.Close())
	})

	t.Run("Success - disabled when nothing configured", func(t *testing.T) {
		notifier := buildNotifier(&config.Config{}, handler)
		assert.Nil(t, notifier)
	})

	t.Run("Success - hub transport hosts on a free port", func(t *testing.T) {
		cfg := &config.Config{HubAddr: "127.0.0.1:0", NotifyDebounceMs: 300}
		notifier := buildNotifier(cfg, handler)
		require.NotNil(t, notifier)
		require.NoError(t, notifier.Close())
	})
}
