package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - структурированное логирование на базе zap
//
// Каждый компонент движка получает дочерний логгер через WithComponent,
// торговые события дополнительно помечаются инструментом и причиной выхода.
// Глобальный логгер нужен пакетам без явной зависимости (middleware, pkg/*).

// LogConfig параметры логгера
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json или text
	Output      string // путь к файлу, пусто = stderr
	Development bool
}

// Logger обёртка над zap.Logger с доменными хелперами
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создаёт логгер. Недоступный файл вывода заменяется на stderr.
func InitLogger(cfg LogConfig) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") || strings.EqualFold(cfg.Format, "console") {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	if cfg.Output != "" && cfg.Output != "stderr" {
		if cfg.Output == "stdout" {
			sink = zapcore.Lock(os.Stdout)
		} else if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			sink = zapcore.AddSync(f)
		}
	}

	core := zapcore.NewCore(encoder, sink, parseLevel(cfg.Level))

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	l := zap.New(core, opts...)
	return &Logger{Logger: l, sugar: l.Sugar()}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============================================================
// Глобальный логгер
// ============================================================

// InitGlobalLogger создаёт логгер и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger заменяет глобальный логгер
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// GetGlobalLogger возвращает глобальный логгер, создавая его по умолчанию
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L короткий алиас GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// ============================================================
// Методы Logger
// ============================================================

// With возвращает дочерний логгер с полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{Logger: child, sugar: child.Sugar()}
}

func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

func (l *Logger) WithInstrument(instrument string) *Logger {
	return l.With(Instrument(instrument))
}

func (l *Logger) WithSource(source string) *Logger {
	return l.With(zap.String("source", source))
}

// Sugar возвращает printf-style логгер
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============================================================
// Глобальные функции
// ============================================================

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

func Debugf(format string, args ...interface{}) { L().sugar.Debugf(format, args...) }
func Infof(format string, args ...interface{}) { L().sugar.Infof(format, args...) }
func Warnf(format string, args ...interface{}) { L().sugar.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { L().sugar.Errorf(format, args...) }

// ============================================================
// Доменные конструкторы полей
// ============================================================

func Instrument(v string) zap.Field { return zap.String("instrument", v) }
func PositionID(v string) zap.Field { return zap.String("position_id", v) }
func ClientOrderID(v string) zap.Field { return zap.String("client_order_id", v) }
func Price(v float64) zap.Field { return zap.Float64("price", v) }
func Quantity(v float64) zap.Field { return zap.Float64("quantity", v) }
func AmountUSD(v float64) zap.Field { return zap.Float64("amount_usd", v) }
func PNL(v float64) zap.Field { return zap.Float64("pnl", v) }
func Side(v string) zap.Field { return zap.String("side", v) }
func Reason(v string) zap.Field { return zap.String("reason", v) }
func State(v string) zap.Field { return zap.String("state", v) }
func Latency(ms float64) zap.Field { return zap.Float64("latency_ms", ms) }
func RequestID(v string) zap.Field { return zap.String("request_id", v) }
func Component(v string) zap.Field { return zap.String("component", v) }

// Field поле структурированного лога
type Field = zap.Field

// Переэкспорт базовых конструкторов zap
var (
	String  = zap.String
	Int     = zap.Int
	Int64   = zap.Int64
	Float64 = zap.Float64
	Bool    = zap.Bool
	Err     = zap.Error
	Any     = zap.Any
	Dur     = zap.Duration
)
