package repository

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cryptobot/internal/models"
)

// FileStateStore снимок в JSON-файле и журнал сделок в JSON Lines рядом.
//
// Снимок пишется во временный файл и переименовывается: читатель видит
// либо старый, либо новый документ целиком.
type FileStateStore struct {
	path       string
	tradesPath string

	mu sync.Mutex
}

// NewFileStateStore state.json → state.json + state.trades.jsonl
func NewFileStateStore(path string) *FileStateStore {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	return &FileStateStore{
		path:       path,
		tradesPath: base + ".trades.jsonl",
	}
}

// Path путь к файлу снимка
func (s *FileStateStore) Path() string {
	return s.path
}

// Load читает снимок. Отсутствующий файл = (nil, nil).
func (s *FileStateStore) Load(ctx context.Context) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	snap := &models.Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", s.path, err)
	}
	return snap, nil
}

// Save атомарно заменяет файл снимка
func (s *FileStateStore) Save(ctx context.Context, snap *models.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// AppendTrade дописывает сделку строкой в журнал
func (s *FileStateStore) AppendTrade(ctx context.Context, trade *models.Trade) error {
	line, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("encode trade: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.tradesPath), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(s.tradesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append trade: %w", err)
	}
	return f.Close()
}

// readTrades весь журнал в порядке записи
func (s *FileStateStore) readTrades() ([]*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.tradesPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var trades []*models.Trade
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		t := &models.Trade{}
		if err := json.Unmarshal(raw, t); err != nil {
			return nil, fmt.Errorf("journal line %d: %w", lineNo, err)
		}
		trades = append(trades, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return trades, nil
}

// ListTrades журнал по фильтру, новые первыми
func (s *FileStateStore) ListTrades(ctx context.Context, filter TradeFilter) ([]*models.Trade, error) {
	all, err := s.readTrades()
	if err != nil {
		return nil, err
	}

	limit := filter.limit()
	out := make([]*models.Trade, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.match(all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// TradeSummary агрегаты по журналу
func (s *FileStateStore) TradeSummary(ctx context.Context) (*TradeSummary, error) {
	all, err := s.readTrades()
	if err != nil {
		return nil, err
	}
	return Summarize(all), nil
}
