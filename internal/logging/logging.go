// Package logging builds the process-wide zap logger backed by a rolling
// file.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a sugared logger writing to filePath with size-based
// rotation. An empty path falls back to a development console logger.
func New(filePath string) (*zap.SugaredLogger, error) {
	if filePath == "" {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		return logger.Sugar(), nil
	}

	rolling := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(rolling), zapcore.InfoLevel)
	return zap.New(core, zap.AddCaller()).Sugar(), nil
}
