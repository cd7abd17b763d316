package config

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nexuscore/nexus/pkg/models"
)

// Runtime-mutable setting keys (§6). auto_approve and last_active_session_id
// are UI-managed and excluded from the generic Update path; everything else
// here goes through it.
const (
	KeyDefaultModel               = "default_model"
	KeyVisionModel                = "vision_model"
	KeyVNCCoordinateBackend       = "vnc_coordinate_backend"
	KeyCompactionVerbatimBudget   = "compaction_verbatim_budget"
	KeyContextCompactionThreshold = "context_compaction_threshold"
	KeyMessagesPageSize           = "messages_page_size"
	KeySystemPrompt               = "system_prompt"

	// UI-managed keys: present in the store but never written through
	// Settings.Update (§6 "servers must not overwrite via generic
	// settings updates").
	KeyAutoApprove          = "auto_approve"
	KeyLastActiveSessionID  = "last_active_session_id"
)

// uiManagedKeys are rejected by Update.
var uiManagedKeys = map[string]bool{
	KeyAutoApprove:         true,
	KeyLastActiveSessionID: true,
}

const (
	defaultVNCCoordinateBackend       = "vision"
	defaultCompactionVerbatimBudget   = 20
	defaultContextCompactionThreshold = 90
	defaultMessagesPageSize           = 50
)

// SettingsStore is the subset of the Durable Store Settings needs.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
}

// Broadcaster is the Push method (as on the gateway Server) Settings needs to
// emit settings_changed events globally (sessionID is left empty; the
// gateway treats an empty-session settings_changed as a global broadcast).
type Broadcaster interface {
	Push(sessionID string, ev models.Event)
}

// Settings is the runtime-mutable configuration layer: persisted overrides
// in SettingsStore take precedence over the environment-derived Config
// defaults, and every successful write broadcasts settings_changed (§5
// "writes broadcast a settings_changed event globally").
type Settings struct {
	store   SettingsStore
	env     *Config
	bcast   Broadcaster
}

// NewSettings constructs a Settings layer over store, falling back to env's
// defaults for any key with no persisted override.
func NewSettings(store SettingsStore, env *Config, bcast Broadcaster) *Settings {
	return &Settings{store: store, env: env, bcast: bcast}
}

// Get returns the effective value for key: the persisted override if one
// exists, otherwise a hardcoded default (or the env-derived default for
// default_model/vision_model).
func (s *Settings) Get(ctx context.Context, key string) (string, error) {
	if v, ok, err := s.store.GetSetting(ctx, key); err != nil {
		return "", err
	} else if ok {
		return v, nil
	}
	switch key {
	case KeyDefaultModel:
		return s.env.LLM.DefaultModel, nil
	case KeyVisionModel:
		return s.env.LLM.VisionModel, nil
	case KeyVNCCoordinateBackend:
		return defaultVNCCoordinateBackend, nil
	case KeyCompactionVerbatimBudget:
		return strconv.Itoa(defaultCompactionVerbatimBudget), nil
	case KeyContextCompactionThreshold:
		return strconv.Itoa(defaultContextCompactionThreshold), nil
	case KeyMessagesPageSize:
		return strconv.Itoa(defaultMessagesPageSize), nil
	default:
		return "", nil
	}
}

// All returns every effective setting: persisted overrides merged over the
// env-derived defaults, for a full settings.get response.
func (s *Settings) All(ctx context.Context) (map[string]string, error) {
	persisted, err := s.store.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]string{
		KeyDefaultModel:               s.env.LLM.DefaultModel,
		KeyVisionModel:                s.env.LLM.VisionModel,
		KeyVNCCoordinateBackend:       defaultVNCCoordinateBackend,
		KeyCompactionVerbatimBudget:   strconv.Itoa(defaultCompactionVerbatimBudget),
		KeyContextCompactionThreshold: strconv.Itoa(defaultContextCompactionThreshold),
		KeyMessagesPageSize:           strconv.Itoa(defaultMessagesPageSize),
	}
	for k, v := range persisted {
		out[k] = v
	}
	return out, nil
}

// Update persists key=value, clamping/validating the known keys per §6, and
// broadcasts settings_changed on success. Attempting to write a UI-managed
// key returns an error.
func (s *Settings) Update(ctx context.Context, key, value string) error {
	if uiManagedKeys[key] {
		return fmt.Errorf("config: %q is UI-managed and cannot be set via settings.update", key)
	}

	value, err := validateSetting(key, value)
	if err != nil {
		return err
	}
	if err := s.store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	if s.bcast != nil {
		s.bcast.Push("", models.Event{Type: models.EventSettingsChanged, Settings: &models.SettingsPayload{Key: key, Value: value}})
	}
	return nil
}

// SetUIManaged persists a UI-managed key (auto_approve, last_active_session_id)
// without going through Update's generic-write guard. No gateway handler
// calls it; settings.update rejects these keys.
func (s *Settings) SetUIManaged(ctx context.Context, key, value string) error {
	if !uiManagedKeys[key] {
		return fmt.Errorf("config: %q is not a UI-managed key", key)
	}
	return s.store.SetSetting(ctx, key, value)
}

// VNCCoordinateBackend implements tools.VNCSettings.
func (s *Settings) VNCCoordinateBackend(ctx context.Context) (string, error) {
	return s.Get(ctx, KeyVNCCoordinateBackend)
}

func validateSetting(key, value string) (string, error) {
	switch key {
	case KeyCompactionVerbatimBudget:
		n, err := strconv.Atoi(value)
		if err != nil {
			return "", fmt.Errorf("config: %s must be an integer percent", key)
		}
		if n < 0 {
			n = 0
		}
		if n > 50 {
			n = 50
		}
		return strconv.Itoa(n), nil
	case KeyContextCompactionThreshold:
		n, err := strconv.Atoi(value)
		if err != nil {
			return "", fmt.Errorf("config: %s must be an integer percent", key)
		}
		if n < 0 {
			n = 0
		}
		if n > 100 {
			n = 100
		}
		return strconv.Itoa(n), nil
	case KeyMessagesPageSize:
		n, err := strconv.Atoi(value)
		if err != nil {
			return "", fmt.Errorf("config: %s must be an integer", key)
		}
		if n < 5 {
			n = 5
		}
		if n > 200 {
			n = 200
		}
		return strconv.Itoa(n), nil
	case KeyVNCCoordinateBackend:
		if value != "vision" && value != "showui" {
			return "", fmt.Errorf("config: %s must be \"vision\" or \"showui\"", key)
		}
		return value, nil
	default:
		return value, nil
	}
}
