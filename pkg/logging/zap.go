// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package logging builds the zap loggers used by the provisioner.
package logging

import (
	"fmt"
	"io"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format is the log line encoding.
type Format string

// Supported formats.
const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// ParseFormat validates the format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatConsole:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported log format %q", s)
	}
}

// LogDestination defines logging destination Config.
type LogDestination struct {
	level  zapcore.LevelEnabler
	writer io.Writer
	format Format
	config zapcore.EncoderConfig
}

// EncoderOption defines a log destination encoder config setter.
type EncoderOption func(config *zapcore.EncoderConfig)

// WithoutTimestamp disables timestamp.
func WithoutTimestamp() EncoderOption {
	return func(config *zapcore.EncoderConfig) {
		config.TimeKey = ""
		config.EncodeTime = nil
	}
}

// WithColoredLevels enables log level colored output.
func WithColoredLevels() EncoderOption {
	return func(config *zapcore.EncoderConfig) {
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
}

// NewLogDestination creates new log destination.
func NewLogDestination(writer io.Writer, logLevel zapcore.LevelEnabler, format Format, options ...EncoderOption) *LogDestination {
	var config zapcore.EncoderConfig

	switch format {
	case FormatConsole:
		config = zap.NewDevelopmentEncoderConfig()
		config.ConsoleSeparator = " "
	default:
		config = zap.NewProductionEncoderConfig()
		config.EncodeTime = zapcore.RFC3339TimeEncoder
	}

	config.StacktraceKey = ""

	for _, option := range options {
		option(&config)
	}

	return &LogDestination{
		level:  logLevel,
		writer: writer,
		format: format,
		config: config,
	}
}

func (dest *LogDestination) encoder() zapcore.Encoder {
	if dest.format == FormatConsole {
		return zapcore.NewConsoleEncoder(dest.config)
	}

	return zapcore.NewJSONEncoder(dest.config)
}

// New is a helper to build a logger writing to a single destination.
func New(writer io.Writer, level zapcore.Level, format Format, options ...EncoderOption) *zap.Logger {
	return ZapLogger(NewLogDestination(writer, level, format, options...))
}

// ZapLogger creates new default Zap Logger.
func ZapLogger(dests ...*LogDestination) *zap.Logger {
	if len(dests) == 0 {
		panic("at least one writer must be defined")
	}

	cores := xslices.Map(dests, func(dest *LogDestination) zapcore.Core {
		return zapcore.NewCore(
			dest.encoder(),
			zapcore.AddSync(dest.writer),
			dest.level,
		)
	})

	return zap.New(zapcore.NewTee(cores...))
}

// Component helper for creating zap.Field.
func Component(name string) zapcore.Field {
	return zap.String("component", name)
}
