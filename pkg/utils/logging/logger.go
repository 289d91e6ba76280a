package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	logsDir      string
	consoleLevel zapcore.Level
	jsonConsole  bool
}

// Option configures InitLogger
type Option func(*options)

// WithLogsDir sets where the JSON log file is written (default "logs")
func WithLogsDir(dir string) Option {
	return func(o *options) { o.logsDir = dir }
}

// WithConsoleLevel sets the minimum level written to stdout (default info)
func WithConsoleLevel(level zapcore.Level) Option {
	return func(o *options) { o.consoleLevel = level }
}

// WithJSONConsole writes JSON to stdout instead of coloured text, for the long-running server
func WithJSONConsole() Option {
	return func(o *options) { o.jsonConsole = true }
}

// InitLogger initializes a zap logger with console and file outputs.
// env is used to prefix the log file name.
func InitLogger(env string, opts ...Option) (*zap.Logger, error) {
	o := options{logsDir: "logs", consoleLevel: zapcore.InfoLevel}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(o.logsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logFileName := filepath.Join(o.logsDir, fmt.Sprintf("%s_%s.log", env, timestamp))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	fileEncoderConfig := zap.NewProductionEncoderConfig()
	fileEncoderConfig.TimeKey = "timestamp"
	fileEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEncoder zapcore.Encoder
	if o.jsonConsole {
		consoleEncoder = zapcore.NewJSONEncoder(fileEncoderConfig)
	} else {
		consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()
		consoleEncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEncoder = zapcore.NewConsoleEncoder(consoleEncoderConfig)
	}

	// Console at the configured level, file always at debug
	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), o.consoleLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig), zapcore.AddSync(logFile), zapcore.DebugLevel),
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		With(zap.String("env", env))

	return logger, nil
}
