package runtime

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ServiceLog is a logger scoped to a specific component.
//
// Components get this from runtime.Log("component_name").
type ServiceLog struct {
	name   string
	logger LoggerInterface
}

// Name returns the component this logger is scoped to.
func (l *ServiceLog) Name() string {
	return l.name
}

// Logger methods forward to the logger with service name prefix
func (l *ServiceLog) Debug(format string, args ...any) {
	if l != nil && l.logger != nil {
		l.logger.Debug(l.name, format, args...)
	}
}

func (l *ServiceLog) Info(format string, args ...any) {
	if l != nil && l.logger != nil {
		l.logger.Info(l.name, format, args...)
	}
}

func (l *ServiceLog) Warn(format string, args ...any) {
	if l != nil && l.logger != nil {
		l.logger.Warn(l.name, format, args...)
	}
}

func (l *ServiceLog) Error(format string, args ...any) {
	if l != nil && l.logger != nil {
		l.logger.Error(l.name, format, args...)
	}
}

// With returns a logger for a sub-component, e.g. "session" -> "session:alice".
func (l *ServiceLog) With(suffix string) *ServiceLog {
	if l == nil {
		return Log(suffix)
	}
	return &ServiceLog{name: l.name + ":" + suffix, logger: l.logger}
}

// LoggerInterface is the interface that the runtime logger must implement.
// This allows components to log without depending on the concrete logger implementation.
type LoggerInterface interface {
	Debug(service string, format string, args ...any)
	Info(service string, format string, args ...any)
	Warn(service string, format string, args ...any)
	Error(service string, format string, args ...any)
}

// Logger is the default logger implementation that logs to logrus.
// This is used when no custom logger is provided.
type Logger struct{}

// Debug logs a debug message.
func (l *Logger) Debug(service string, format string, args ...any) {
	logrus.Debugf("[%s] "+format, append([]any{service}, args...)...)
}

// Info logs an info message.
func (l *Logger) Info(service string, format string, args ...any) {
	logrus.Infof("[%s] "+format, append([]any{service}, args...)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(service string, format string, args ...any) {
	logrus.Warnf("[%s] "+format, append([]any{service}, args...)...)
}

// Error logs an error message.
func (l *Logger) Error(service string, format string, args ...any) {
	logrus.Errorf("[%s] "+format, append([]any{service}, args...)...)
}

var (
	loggerMu      sync.RWMutex
	defaultLogger LoggerInterface = &Logger{}
)

// SetLogger replaces the logger used by every ServiceLog created afterwards.
func SetLogger(l LoggerInterface) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if l == nil {
		l = &Logger{}
	}
	defaultLogger = l
}

// Log returns a logger scoped to the given component.
func Log(service string) *ServiceLog {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return &ServiceLog{name: service, logger: defaultLogger}
}

// Service is what long-running components implement.
//
// Services are added to a Group and get lifecycle callbacks in order.
type Service interface {
	Name() string
	Start() error
	Stop() error
}
