package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cryptobot/internal/models"

	"gopkg.in/yaml.v3"
)

// Preset именованный профиль риска
type Preset struct {
	Name                string
	MaxPositions        int
	MaxPositionPct      float64
	StopLossPct         float64
	TakeProfitPct       float64
	ConfidenceThreshold int
	MaxDailyLossPct     float64
	MaxTradeSuggestions int

	// Режим скринера и терпимость к риску для советника
	ScreenerMode  string
	RiskTolerance string
}

// Presets conservative, moderate и aggressive
var Presets = map[string]Preset{
	"conservative": {
		Name:                "conservative",
		MaxPositions:        2,
		MaxPositionPct:      0.20,
		StopLossPct:         0.07,
		TakeProfitPct:       0.12,
		ConfidenceThreshold: 85,
		MaxDailyLossPct:     0.03,
		MaxTradeSuggestions: 2,
		ScreenerMode:        "support",
		RiskTolerance:       "conservative",
	},
	"moderate": {
		Name:                "moderate",
		MaxPositions:        3,
		MaxPositionPct:      0.25,
		StopLossPct:         0.06,
		TakeProfitPct:       0.10,
		ConfidenceThreshold: 75,
		MaxDailyLossPct:     0.05,
		MaxTradeSuggestions: 3,
		ScreenerMode:        "breakouts",
		RiskTolerance:       "moderate",
	},
	"aggressive": {
		Name:                "aggressive",
		MaxPositions:        4,
		MaxPositionPct:      0.25,
		StopLossPct:         0.05,
		TakeProfitPct:       0.08,
		ConfidenceThreshold: 70,
		MaxDailyLossPct:     0.07,
		MaxTradeSuggestions: 4,
		ScreenerMode:        "trending",
		RiskTolerance:       "aggressive",
	},
}

// PresetNames имена пресетов по алфавиту
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply накладывает пресет на конфигурацию риска
func (p Preset) Apply(cfg *models.RiskConfig) {
	cfg.MaxPositions = p.MaxPositions
	cfg.MaxPositionPct = p.MaxPositionPct
	cfg.StopLossPct = p.StopLossPct
	cfg.TakeProfitPct = p.TakeProfitPct
	cfg.ConfidenceThreshold = p.ConfidenceThreshold
	cfg.MaxDailyLossPct = p.MaxDailyLossPct
}

// RiskSettings итог загрузки риск-профиля
type RiskSettings struct {
	Risk models.RiskConfig

	// Пусто, если пресет не выбран
	Preset              string
	ScreenerMode        string
	RiskTolerance       string
	MaxTradeSuggestions int
}

// riskFile формат YAML-файла:
//
//	preset: moderate
//	stop_loss_pct: 0.05
//	...
//
// Порядок наложения: значения по умолчанию, пресет, поля файла.
type riskFile struct {
	Preset            string `yaml:"preset"`
	models.RiskConfig `yaml:",inline"`
}

// LoadRisk читает риск-профиль. Отсутствующий файл не ошибка.
// presetOverride (RISK_PRESET) заменяет пресет из файла.
func LoadRisk(path, presetOverride string) (*RiskSettings, error) {
	var data []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			data = raw
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read risk file: %w", err)
		}
	}

	// Первый проход только за именем пресета
	var head struct {
		Preset string `yaml:"preset"`
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &head); err != nil {
			return nil, fmt.Errorf("parse risk file %s: %w", path, err)
		}
	}

	name := strings.ToLower(strings.TrimSpace(head.Preset))
	if presetOverride != "" {
		name = strings.ToLower(strings.TrimSpace(presetOverride))
	}

	doc := riskFile{RiskConfig: models.DefaultRiskConfig()}
	settings := &RiskSettings{}
	if name != "" {
		preset, ok := Presets[name]
		if !ok {
			return nil, fmt.Errorf("unknown risk preset %q (known: %s)", name, strings.Join(PresetNames(), ", "))
		}
		preset.Apply(&doc.RiskConfig)
		settings.Preset = preset.Name
		settings.ScreenerMode = preset.ScreenerMode
		settings.RiskTolerance = preset.RiskTolerance
		settings.MaxTradeSuggestions = preset.MaxTradeSuggestions
	}

	// Второй проход: явные поля файла важнее пресета
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse risk file %s: %w", path, err)
		}
	}

	if err := doc.RiskConfig.Validate(); err != nil {
		return nil, fmt.Errorf("risk config %s: %w", path, err)
	}
	settings.Risk = doc.RiskConfig
	return settings, nil
}

// SaveRisk записывает конфигурацию риска атомарно: временный файл и rename.
// Имя пресета сохраняется, чтобы файл оставался читаемым человеком.
func SaveRisk(path, preset string, cfg models.RiskConfig) error {
	if path == "" {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(riskFile{Preset: preset, RiskConfig: cfg})
	if err != nil {
		return fmt.Errorf("marshal risk config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create risk dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write risk file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace risk file: %w", err)
	}
	return nil
}
