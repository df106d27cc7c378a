package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"loomchat/engine/internal/repository"
)

// Settings is the user configuration blob the engine keeps alongside the
// chat data: stored per key so individual fields can change without
// rewriting the rest.
type Settings struct {
	CurrentModel       string `json:"current_model"`
	WebSearchEnabled   bool   `json:"web_search_enabled"`
	ChatMode           string `json:"chat_mode"`
	CustomInstructions string `json:"custom_instructions"`
	LastThreadID       string `json:"last_thread_id"`
}

const (
	settingCurrentModel       = "current_model"
	settingWebSearch          = "web_search_enabled"
	settingChatMode           = "chat_mode"
	settingCustomInstructions = "custom_instructions"
	settingLastThreadID       = "last_thread_id"
)

// SettingsService persists user configuration through the repository's
// key-value table.
type SettingsService struct {
	repo repository.Repository
	log  *slog.Logger
}

func NewSettingsService(repo repository.Repository, log *slog.Logger) *SettingsService {
	if log == nil {
		log = slog.Default()
	}
	return &SettingsService{repo: repo, log: log}
}

// InitAndGet loads settings, seeding missing keys from defaults on first run
// so later reads never have to special-case an empty table.
func (s *SettingsService) InitAndGet(ctx context.Context, defaults Settings) (Settings, error) {
	_, err := s.repo.GetSetting(ctx, settingCurrentModel)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.Info("initializing settings with defaults")
		if err := s.Save(ctx, defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("could not read settings: %w", err)
	}
	return s.Get(ctx)
}

// Get reads the full settings blob; missing keys fall back to zero values.
func (s *SettingsService) Get(ctx context.Context) (Settings, error) {
	var settings Settings
	var err error
	if settings.CurrentModel, err = s.readString(ctx, settingCurrentModel); err != nil {
		return Settings{}, err
	}
	webSearch, err := s.readString(ctx, settingWebSearch)
	if err != nil {
		return Settings{}, err
	}
	settings.WebSearchEnabled, _ = strconv.ParseBool(webSearch)
	if settings.ChatMode, err = s.readString(ctx, settingChatMode); err != nil {
		return Settings{}, err
	}
	if settings.CustomInstructions, err = s.readString(ctx, settingCustomInstructions); err != nil {
		return Settings{}, err
	}
	if settings.LastThreadID, err = s.readString(ctx, settingLastThreadID); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Save writes the full settings blob.
func (s *SettingsService) Save(ctx context.Context, settings Settings) error {
	pairs := map[string]string{
		settingCurrentModel:       settings.CurrentModel,
		settingWebSearch:          strconv.FormatBool(settings.WebSearchEnabled),
		settingChatMode:           settings.ChatMode,
		settingCustomInstructions: settings.CustomInstructions,
		settingLastThreadID:       settings.LastThreadID,
	}
	for key, value := range pairs {
		if err := s.repo.SetSetting(ctx, key, value); err != nil {
			return fmt.Errorf("could not save setting %s: %w", key, err)
		}
	}
	return nil
}

// SetLastThreadID records which thread was open, so the next launch can
// restore it without saving the whole blob.
func (s *SettingsService) SetLastThreadID(ctx context.Context, threadID string) error {
	return s.repo.SetSetting(ctx, settingLastThreadID, threadID)
}

func (s *SettingsService) readString(ctx context.Context, key string) (string, error) {
	value, err := s.repo.GetSetting(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("could not read setting %s: %w", key, err)
	}
	return value, nil
}
