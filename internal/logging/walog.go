package logging

import (
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// waLogger forwards whatsmeow library logs into zap.
type waLogger struct {
	s *zap.SugaredLogger
}

// WA adapts l to whatsmeow's logger interface under the given module name.
func WA(l *zap.Logger, module string) waLog.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &waLogger{s: l.Named(module).Sugar()}
}

func (w *waLogger) Debugf(msg string, args ...interface{}) { w.s.Debugf(msg, args...) }
func (w *waLogger) Infof(msg string, args ...interface{})  { w.s.Infof(msg, args...) }
func (w *waLogger) Warnf(msg string, args ...interface{})  { w.s.Warnf(msg, args...) }
func (w *waLogger) Errorf(msg string, args ...interface{}) { w.s.Errorf(msg, args...) }

func (w *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{s: w.s.Named(module)}
}

var _ waLog.Logger = (*waLogger)(nil)

