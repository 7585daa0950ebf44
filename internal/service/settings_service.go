package service

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"cryptobot/internal/config"
	"cryptobot/internal/models"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ошибки сервиса настроек
var (
	ErrUnknownPreset     = errors.New("unknown risk preset")
	ErrInvalidSettings   = errors.New("invalid risk settings")
	ErrSettingsNotSaved  = errors.New("risk settings applied but not saved")
	ErrEmptySettingsDiff = errors.New("nothing to update: preset or risk required")
)

// SettingsService управляет профилем риска работающего движка.
//
// Отвечает за:
// - Выдачу текущей конфигурации и имени пресета
// - Смену пресета и точечные изменения полей
// - Сохранение профиля в YAML, чтобы он пережил перезапуск
//
// Новая конфигурация применяется движком со следующего тика.
type SettingsService struct {
	engine  RiskEngine
	persist RiskPersister

	mu     sync.Mutex
	preset string
}

// NewSettingsService создает сервис. persist может быть nil: тогда
// изменения живут только до перезапуска.
func NewSettingsService(engine RiskEngine, persist RiskPersister, preset string) *SettingsService {
	return &SettingsService{
		engine:  engine,
		persist: persist,
		preset:  preset,
	}
}

// RiskSettingsView ответ GET /risk
type RiskSettingsView struct {
	Preset  string            `json:"preset,omitempty"`
	Risk    models.RiskConfig `json:"risk"`
	Presets []string          `json:"available_presets"`
}

// UpdateSettingsRequest представляет запрос на обновление профиля.
// Все поля опциональны, но хотя бы одно должно быть передано.
//
// Порядок наложения: текущая конфигурация, пресет, поля Risk.
// В Risk обновляются только переданные ключи.
type UpdateSettingsRequest struct {
	Preset *string             `json:"preset,omitempty"`
	Risk   jsoniter.RawMessage `json:"risk,omitempty"`
}

// GetSettings возвращает текущий профиль
func (s *SettingsService) GetSettings() *RiskSettingsView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(s.engine.RiskConfig())
}

func (s *SettingsService) viewLocked(cfg models.RiskConfig) *RiskSettingsView {
	return &RiskSettingsView{
		Preset:  s.preset,
		Risk:    cfg,
		Presets: config.PresetNames(),
	}
}

// UpdateSettings применяет изменения и сохраняет профиль.
//
// Правила:
// - неизвестный пресет: ErrUnknownPreset, конфигурация не меняется
// - конфигурация не прошла проверку: ErrInvalidSettings
// - не удалось сохранить файл: ErrSettingsNotSaved, но движок уже
//   работает с новой конфигурацией
func (s *SettingsService) UpdateSettings(req *UpdateSettingsRequest) (*RiskSettingsView, error) {
	if req == nil || (req.Preset == nil && len(req.Risk) == 0) {
		return nil, ErrEmptySettingsDiff
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.engine.RiskConfig()
	preset := s.preset

	if req.Preset != nil {
		name := strings.ToLower(strings.TrimSpace(*req.Preset))
		if name != "" {
			p, ok := config.Presets[name]
			if !ok {
				return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownPreset, name, strings.Join(config.PresetNames(), ", "))
			}
			p.Apply(&cfg)
		}
		preset = name
	}

	if len(req.Risk) > 0 {
		if err := json.Unmarshal(req.Risk, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
	}

	if err := s.engine.UpdateRiskConfig(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	s.preset = preset

	if s.persist != nil {
		if err := s.persist(preset, cfg); err != nil {
			return s.viewLocked(cfg), fmt.Errorf("%w: %v", ErrSettingsNotSaved, err)
		}
	}

	return s.viewLocked(cfg), nil
}
