package binproto

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Logger interface for protocol logging.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// FileLogger writes logs to a file.
type FileLogger struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileLogger creates a logger that appends to a file.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: file}, nil
}

func (l *FileLogger) log(level, format string, args ...interface{}) {
	if l == nil || l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "[%s] %s: %s\n", timestamp, level, msg)
}

func (l *FileLogger) Debug(format string, args ...interface{}) {
	l.log("DEBUG", format, args...)
}

func (l *FileLogger) Info(format string, args ...interface{}) {
	l.log("INFO", format, args...)
}

func (l *FileLogger) Error(format string, args ...interface{}) {
	l.log("ERROR", format, args...)
}

func (l *FileLogger) Close() error {
	if l != nil && l.file != nil {
		return l.file.Close()
	}
	return nil
}

// NoopLogger does nothing.
type NoopLogger struct{}

func (NoopLogger) Debug(format string, args ...interface{}) {}
func (NoopLogger) Info(format string, args ...interface{})  {}
func (NoopLogger) Error(format string, args ...interface{}) {}

// FormatPacketLog formats a packet for logging with payload truncation.
func FormatPacketLog(direction string, p *Packet) string {
	msg := fmt.Sprintf("%s %s seq=%d", direction, p.Type, p.Seq)
	if n := len(p.Payload); n > 0 {
		msg += fmt.Sprintf(", len=%d", n)
		display := p.Payload
		if n > 64 {
			msg += fmt.Sprintf(", payload=% x...[truncated]", display[:64])
		} else {
			msg += fmt.Sprintf(", payload=% x", display)
		}
	}
	return msg
}

// LoggingTransport wraps a Transport and logs raw byte traffic. Useful when
// diagnosing desynchronization against real hardware.
type LoggingTransport struct {
	Transport
	logger Logger
	name   string
}

// NewLoggingTransport wraps t so every read and write is logged.
func NewLoggingTransport(t Transport, logger Logger, name string) *LoggingTransport {
	return &LoggingTransport{Transport: t, logger: logger, name: name}
}

func (lt *LoggingTransport) Read(p []byte) (int, error) {
	n, err := lt.Transport.Read(p)
	if lt.logger != nil && n > 0 {
		data := p[:n]
		if n > 64 {
			lt.logger.Debug("%s: read %d bytes: % x...[truncated]", lt.name, n, data[:64])
		} else {
			lt.logger.Debug("%s: read %d bytes: % x", lt.name, n, data)
		}
	}
	return n, err
}

func (lt *LoggingTransport) Write(p []byte) (int, error) {
	n, err := lt.Transport.Write(p)
	if lt.logger != nil && n > 0 {
		data := p[:n]
		if n > 64 {
			lt.logger.Debug("%s: wrote %d bytes: % x...[truncated]", lt.name, n, data[:64])
		} else {
			lt.logger.Debug("%s: wrote %d bytes: % x", lt.name, n, data)
		}
	}
	if err != nil && lt.logger != nil {
		lt.logger.Error("%s: write error: %v", lt.name, err)
	}
	return n, err
}
