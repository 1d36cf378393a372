package logging

import (
	"os"

	"go.uber.org/zap/zapcore"
)

// An Appender is a place log entries are written to. zapcore.Core implements
// this, so observed cores from tests can be added directly.
type Appender interface {
	// Write submits a structured log entry to the appender for logging.
	Write(zapcore.Entry, []zapcore.Field) error
	// Sync is for signaling that any buffered logs to `Write` should be flushed.
	Sync() error
}

func newEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// ConsoleAppender will create human readable lines from log events and write
// them to the desired output sink.
type ConsoleAppender struct {
	io      zapcore.WriteSyncer
	encoder zapcore.Encoder
}

// NewStdoutAppender creates a new appender that prints to stdout.
func NewStdoutAppender() ConsoleAppender {
	return ConsoleAppender{
		io:      zapcore.Lock(os.Stdout),
		encoder: zapcore.NewConsoleEncoder(newEncoderConfig()),
	}
}

// NewWriterAppender creates an appender that prints to the given writer.
func NewWriterAppender(writer zapcore.WriteSyncer) ConsoleAppender {
	return ConsoleAppender{
		io:      zapcore.Lock(writer),
		encoder: zapcore.NewConsoleEncoder(newEncoderConfig()),
	}
}

// Write outputs the log entry to the underlying stream.
func (appender ConsoleAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	buf, err := appender.encoder.Clone().EncodeEntry(entry, fields)
	if err != nil {
		return err
	}
	defer buf.Free()
	_, err = appender.io.Write(buf.Bytes())
	if err != nil {
		return err
	}
	if entry.Level > zapcore.ErrorLevel {
		// Sync on fatal level entries since the process is about to exit.
		return appender.io.Sync()
	}
	return nil
}

// Sync flushes any buffered output.
func (appender ConsoleAppender) Sync() error {
	return appender.io.Sync()
}

var _ = Appender(ConsoleAppender{})

// Observed zap cores from tests can be used as appenders as-is.
var _ = Appender(zapcore.Core(nil))
