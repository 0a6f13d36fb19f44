package logger

import (
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

type waLogger struct {
	s *zap.SugaredLogger
}

// WhatsApp adapts l to whatsmeow's logging interface.
func WhatsApp(l *Logger) waLog.Logger {
	if l == nil {
		return waLog.Noop
	}
	return &waLogger{s: l.Logger.Sugar()}
}

func (w *waLogger) Warnf(msg string, args ...interface{})  { w.s.Warnf(msg, args...) }
func (w *waLogger) Errorf(msg string, args ...interface{}) { w.s.Errorf(msg, args...) }
func (w *waLogger) Infof(msg string, args ...interface{})  { w.s.Infof(msg, args...) }
func (w *waLogger) Debugf(msg string, args ...interface{}) { w.s.Debugf(msg, args...) }

func (w *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{s: w.s.Named(module)}
}
