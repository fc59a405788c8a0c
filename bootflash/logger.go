package bootflash

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger interface for protocol logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// ZerologLogger adapts a zerolog.Logger to Logger
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger wraps l. Levels below l's level are dropped by zerolog.
func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{log: l}
}

func (z *ZerologLogger) Debug(format string, args ...interface{}) {
	z.log.Debug().Msgf(format, args...)
}

func (z *ZerologLogger) Info(format string, args ...interface{}) {
	z.log.Info().Msgf(format, args...)
}

func (z *ZerologLogger) Error(format string, args ...interface{}) {
	z.log.Error().Msgf(format, args...)
}

// FileLogger writes JSON log records to a file
type FileLogger struct {
	*ZerologLogger
	file *os.File
	mu   sync.Mutex
}

// NewFileLogger creates a logger that appends to path
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	l := zerolog.New(file).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	return &FileLogger{ZerologLogger: NewZerologLogger(l), file: file}, nil
}

func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// NoopLogger does nothing
type NoopLogger struct{}

func (NoopLogger) Debug(format string, args ...interface{}) {}
func (NoopLogger) Info(format string, args ...interface{})  {}
func (NoopLogger) Error(format string, args ...interface{}) {}

// FormatMessageLog formats a message for logging, truncating long payloads
func FormatMessageLog(direction string, msg Message) string {
	s := fmt.Sprintf("%s %s len=%d", direction, MessageTypeName(msg.Type), len(msg.Payload))
	if len(msg.Payload) == 0 {
		return s
	}
	if len(msg.Payload) > 32 {
		return s + fmt.Sprintf(" payload=% x...[truncated]", msg.Payload[:32])
	}
	return s + fmt.Sprintf(" payload=% x", msg.Payload)
}

// LoggingChannel wraps a Channel and logs the raw bytes in both directions
type LoggingChannel struct {
	ch     Channel
	logger Logger
	name   string
}

// NewLoggingChannel returns ch with TX/RX tracing at debug level
func NewLoggingChannel(ch Channel, logger Logger, name string) *LoggingChannel {
	return &LoggingChannel{
		ch:     ch,
		logger: logger,
		name:   name,
	}
}

func (lc *LoggingChannel) Read(p []byte) (int, error) {
	n, err := lc.ch.Read(p)
	if n > 0 {
		lc.logger.Debug("%s: RX %x", lc.name, p[:n])
	}
	if err != nil {
		lc.logger.Error("%s: read error: %v", lc.name, err)
	}
	return n, err
}

func (lc *LoggingChannel) Write(p []byte) (int, error) {
	n, err := lc.ch.Write(p)
	if n > 0 {
		lc.logger.Debug("%s: TX %x", lc.name, p[:n])
	}
	if err != nil {
		lc.logger.Error("%s: write error: %v", lc.name, err)
	}
	return n, err
}
