package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"cryptobot/internal/models"
)

var (
	capitalCols = []string{"initial_capital", "available_capital", "realized_pnl_total", "daily_pnl", "daily_reset_at",
		"peak_equity", "halted", "halt_reason", "halted_at", "updated_at"}
	positionCols = []string{"id", "instrument_id", "quantity", "entry_price", "entry_fee", "entry_cost", "entry_timestamp",
		"stop_loss_price", "take_profit_price", "trailing_stop_active", "trailing_stop_price", "partial_profit_taken",
		"status", "source", "updated_at"}
)

func samplePosition(id, instrument string) *models.Position {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return &models.Position{
		ID:              id,
		InstrumentID:    instrument,
		Quantity:        1.47,
		EntryPrice:      100,
		EntryFee:        3,
		EntryCost:       150,
		EntryTimestamp:  ts,
		StopLossPrice:   94,
		TakeProfitPrice: 110,
		Status:          models.PositionOpen,
		Source:          models.SourceAdvisor,
		UpdatedAt:       ts,
	}
}

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

// ============================================================
// Save
// ============================================================

func TestPostgresStateStoreSave(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := &models.Snapshot{
		Capital: models.CapitalState{
			InitialCapital:   1000,
			AvailableCapital: 700,
			CommittedCapital: 300,
			PeakEquity:       1000,
			DailyResetAt:     now.Truncate(24 * time.Hour),
		},
		Positions: []*models.Position{samplePosition("p1", "BTC-USD"), samplePosition("p2", "ETH-USD")},
		SavedAt:   now,
	}

	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		wantErr   error
		expectErr bool
	}{
		{
			name: "success",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(`DELETE FROM positions`).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(`INSERT INTO positions`).
					WithArgs(append([]driver.Value{"p1", "BTC-USD"}, anyArgs(13)...)...).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(`INSERT INTO positions`).
					WithArgs(append([]driver.Value{"p2", "ETH-USD"}, anyArgs(13)...)...).
					WillReturnResult(sqlmock.NewResult(0, 1))
				// UpdatedAt пуст: берётся время снимка
				mock.ExpectExec(`INSERT INTO capital_state .+ ON CONFLICT \(id\) DO UPDATE`).
					WithArgs(1000.0, 700.0, 0.0, 0.0, sqlmock.AnyArg(), 1000.0, false, "", sqlmock.AnyArg(), now).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "duplicate live position rolls back",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(`DELETE FROM positions`).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec(`INSERT INTO positions`).WithArgs(anyArgs(15)...).
					WillReturnError(&pq.Error{Code: pgUniqueViolation})
				mock.ExpectRollback()
			},
			wantErr:   ErrDuplicateLivePosition,
			expectErr: true,
		},
		{
			name: "capital failure rolls back",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(`DELETE FROM positions`).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec(`INSERT INTO positions`).WithArgs(anyArgs(15)...).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(`INSERT INTO positions`).WithArgs(anyArgs(15)...).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(`INSERT INTO capital_state`).WithArgs(anyArgs(10)...).
					WillReturnError(errors.New("check constraint"))
				mock.ExpectRollback()
			},
			expectErr: true,
		},
		{
			name: "begin failure",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			err = NewPostgresStateStore(db).Save(context.Background(), snap)
			if tt.expectErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

// ============================================================
// Load
// ============================================================

func TestPostgresStateStoreLoad(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	haltedAt := now.Add(-time.Hour)

	t.Run("capital and positions", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to create mock: %v", err)
		}
		defer db.Close()

		mock.ExpectQuery(`SELECT .+ FROM capital_state WHERE id = 1`).
			WillReturnRows(sqlmock.NewRows(capitalCols).
				AddRow(1000.0, 850.0, -10.0, -10.0, now, 1000.0, true, "drawdown", haltedAt, now))
		mock.ExpectQuery(`SELECT .+ FROM positions WHERE status IN \('OPEN', 'PARTIALLY_CLOSED'\)`).
			WillReturnRows(sqlmock.NewRows(positionCols).
				AddRow("p1", "BTC-USD", 1.47, 100.0, 3.0, 150.0, now, 94.0, 110.0, true, 102.82, false, "OPEN", "advisor", now))

		snap, err := NewPostgresStateStore(db).Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if snap == nil || len(snap.Positions) != 1 {
			t.Fatalf("snapshot = %+v", snap)
		}
		if snap.Capital.AvailableCapital != 850 || !snap.Capital.Halted || snap.Capital.HaltedAt == nil {
			t.Errorf("capital = %+v", snap.Capital)
		}
		p := snap.Positions[0]
		if p.TrailingStopPrice == nil || *p.TrailingStopPrice != 102.82 {
			t.Errorf("trailing = %v", p.TrailingStopPrice)
		}
		if p.Status != models.PositionOpen || p.Source != models.SourceAdvisor {
			t.Errorf("status/source = %s/%s", p.Status, p.Source)
		}
		if !snap.SavedAt.Equal(now) {
			t.Errorf("SavedAt = %v", snap.SavedAt)
		}

		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})

	t.Run("empty database", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to create mock: %v", err)
		}
		defer db.Close()

		mock.ExpectQuery(`SELECT .+ FROM capital_state`).WillReturnRows(sqlmock.NewRows(capitalCols))
		mock.ExpectQuery(`SELECT .+ FROM positions`).WillReturnRows(sqlmock.NewRows(positionCols))

		snap, err := NewPostgresStateStore(db).Load(context.Background())
		if err != nil || snap != nil {
			t.Errorf("Load on empty db = %+v, %v; want nil, nil", snap, err)
		}
	})

	t.Run("positions without capital", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to create mock: %v", err)
		}
		defer db.Close()

		mock.ExpectQuery(`SELECT .+ FROM capital_state`).WillReturnRows(sqlmock.NewRows(capitalCols))
		mock.ExpectQuery(`SELECT .+ FROM positions`).
			WillReturnRows(sqlmock.NewRows(positionCols).
				AddRow("p1", "SOL-USD", 5.0, 20.0, 2.0, 102.0, now, 18.8, 22.0, false, nil, false, "OPEN", "manual", now))

		snap, err := NewPostgresStateStore(db).Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if snap.Capital.InitialCapital != 0 {
			t.Error("missing capital row must load as zero state")
		}
		if snap.Positions[0].TrailingStopPrice != nil {
			t.Error("NULL trailing must stay nil")
		}
	})

	t.Run("query error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("failed to create mock: %v", err)
		}
		defer db.Close()

		mock.ExpectQuery(`SELECT .+ FROM capital_state`).WillReturnError(errors.New("timeout"))

		if _, err := NewPostgresStateStore(db).Load(context.Background()); err == nil {
			t.Error("expected error")
		}
	})
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	for range Schema {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
