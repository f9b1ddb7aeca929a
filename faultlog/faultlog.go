// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

// Package faultlog records internal processing failures in a rolling JSON
// log. Client-caused rejections are never written here; the log exists so
// operators can inspect slicer and converter faults after the fact.
package faultlog

import (
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Error is the default error class for the faultlog package.
var Error = errs.Class("faultlog")

// Config defines the location and retention of the rolling error log.
type Config struct {
	Path       string `help:"location of the rolling error log" default:"logs/log.json"`
	MaxAgeDays int    `help:"days of error history to retain" default:"7"`
	MaxSizeMB  int    `help:"megabytes per log file before rotation" default:"50"`
}

// Log writes structured error entries with rolling retention.
type Log struct {
	logger *zap.Logger
	sink   *lumberjack.Logger
}

// New creates a rolling fault log at config.Path.
func New(config Config) *Log {
	sink := &lumberjack.Logger{
		Filename: config.Path,
		MaxAge:   config.MaxAgeDays,
		MaxSize:  config.MaxSizeMB,
	}

	encoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "error",
		LevelKey:       zapcore.OmitKey,
		NameKey:        zapcore.OmitKey,
		CallerKey:      zapcore.OmitKey,
		StacktraceKey:  zapcore.OmitKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})

	core := zapcore.NewCore(encoder, zapcore.AddSync(sink), zapcore.ErrorLevel)
	return &Log{
		logger: zap.New(core),
		sink:   sink,
	}
}

// Report records an internal failure with the request path that caused it.
func (log *Log) Report(path string, err error, details string) {
	log.logger.Error(err.Error(),
		zap.String("details", details),
		zap.String("path", path),
	)
}

// Close flushes and closes the underlying log file.
func (log *Log) Close() error {
	_ = log.logger.Sync()
	return Error.Wrap(log.sink.Close())
}
