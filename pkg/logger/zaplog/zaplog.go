package zaplog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements LoggerInstance on top of a zap SugaredLogger. It is
// used in production where log lines are shipped as JSON.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// ZapLoggerParams contains configuration for creating a ZapLogger.
type ZapLoggerParams struct {
	Debug       bool
	Development bool
}

// NewZapLogger builds a zap logger. Production mode emits JSON, development
// mode emits the console encoder.
func NewZapLogger(params ZapLoggerParams) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	if params.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	level := zapcore.InfoLevel
	if params.Debug {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: l.Sugar()}, nil
}

// NewFromZap wraps an existing zap logger.
func NewFromZap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: l.Sugar()}
}

func (z *ZapLogger) Log(message string, keyvals ...any) {
	z.sugar.Infow(message, keyvals...)
}

func (z *ZapLogger) Info(message string, keyvals ...any) {
	z.sugar.Infow(message, keyvals...)
}

func (z *ZapLogger) Warn(message string, keyvals ...any) {
	z.sugar.Warnw(message, keyvals...)
}

func (z *ZapLogger) Error(message string, keyvals ...any) {
	z.sugar.Errorw(message, keyvals...)
}

func (z *ZapLogger) Debug(message string, keyvals ...any) {
	z.sugar.Debugw(message, keyvals...)
}

func (z *ZapLogger) Fatal(message string, keyvals ...any) {
	z.sugar.Fatalw(message, keyvals...)
}

// Sync flushes buffered log entries.
func (z *ZapLogger) Sync() error {
	return z.sugar.Sync()
}
