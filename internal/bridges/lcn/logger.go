package lcn

import "sync"

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// logRef is a swappable Logger shared by a connection and its modules.
// A nil target discards everything.
type logRef struct {
	mu     sync.RWMutex
	target Logger
}

func (r *logRef) set(l Logger) {
	r.mu.Lock()
	r.target = l
	r.mu.Unlock()
}

func (r *logRef) get() Logger {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

func (r *logRef) Debug(msg string, kv ...any) {
	if l := r.get(); l != nil {
		l.Debug(msg, kv...)
	}
}

func (r *logRef) Info(msg string, kv ...any) {
	if l := r.get(); l != nil {
		l.Info(msg, kv...)
	}
}

func (r *logRef) Warn(msg string, kv ...any) {
	if l := r.get(); l != nil {
		l.Warn(msg, kv...)
	}
}

func (r *logRef) Error(msg string, kv ...any) {
	if l := r.get(); l != nil {
		l.Error(msg, kv...)
	}
}
