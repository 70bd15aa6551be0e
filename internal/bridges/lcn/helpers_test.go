package lcn

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-lcn/internal/bridges/lcn/pck"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingSink records frames queued by modules and command queues.
type recordingSink struct {
	frames []string
	err    error
}

func (s *recordingSink) Queue(addr pck.ModuleAddress, wantsAck bool, data []byte) error {
	s.frames = append(s.frames, string(pck.Frame(addr, wantsAck, string(data))))
	return s.err
}

func (s *recordingSink) last() string {
	if len(s.frames) == 0 {
		return ""
	}
	return s.frames[len(s.frames)-1]
}

func (s *recordingSink) reset() { s.frames = nil }

// countingLogger counts log calls per level and keeps the messages.
type countingLogger struct {
	mu       sync.Mutex
	counts   map[string]int
	messages []string
}

func newCountingLogger() *countingLogger {
	return &countingLogger{counts: make(map[string]int)}
}

func (l *countingLogger) log(level, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[level]++
	l.messages = append(l.messages, fmt.Sprintf("%s %s %v", level, msg, kv))
}

func (l *countingLogger) Debug(msg string, kv ...any) { l.log("debug", msg, kv...) }
func (l *countingLogger) Info(msg string, kv ...any)  { l.log("info", msg, kv...) }
func (l *countingLogger) Warn(msg string, kv ...any)  { l.log("warn", msg, kv...) }
func (l *countingLogger) Error(msg string, kv ...any) { l.log("error", msg, kv...) }

func (l *countingLogger) count(level, substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.messages {
		if strings.HasPrefix(m, level+" ") && strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

// fakeTransport is an in-memory Transport fed by the test.
type fakeTransport struct {
	mu       sync.Mutex
	written  []string
	writeErr error

	lines     chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{lines: make(chan string, 64), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadLine() (string, error) {
	select {
	case line := <-f.lines:
		return line, nil
	case <-f.closed:
		return "", io.EOF
	}
}

func (f *fakeTransport) Write(line []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, string(line))
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

// fakeTimers replaces time.AfterFunc so tests fire timers by hand.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) func() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		pending := !t.stopped && !t.fired
		t.stopped = true
		return pending
	}
}

// pending returns the timers that are armed and not yet fired.
func (ft *fakeTimers) pending() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []*fakeTimer
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fireAll fires every pending timer.
func (ft *fakeTimers) fireAll() int {
	timers := ft.pending()
	for _, t := range timers {
		ft.mu.Lock()
		t.fired = true
		ft.mu.Unlock()
		t.f()
	}
	return len(timers)
}

// recordingListener records connection events in order.
type recordingListener struct {
	mu       sync.Mutex
	events   []string
	statuses []pck.Message
	results  []CommandResult

	onOnline func()
}

func (l *recordingListener) OnOnline(gateway string) {
	l.mu.Lock()
	l.events = append(l.events, "online")
	hook := l.onOnline
	l.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (l *recordingListener) OnOffline(gateway, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "offline:"+reason)
}

func (l *recordingListener) OnStatus(gateway string, msg pck.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, msg)
}

func (l *recordingListener) OnCommandResult(gateway string, addr pck.ModuleAddress, res CommandResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, res)
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) lastStatus() pck.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return nil
	}
	return l.statuses[len(l.statuses)-1]
}

func (l *recordingListener) commandResults() []CommandResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CommandResult(nil), l.results...)
}

func mustAddress(t *testing.T, s string) pck.ModuleAddress {
	t.Helper()
	addr, err := pck.ParseModuleAddress(s)
	if err != nil {
		t.Fatalf("ParseModuleAddress(%q): %v", s, err)
	}
	return addr
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
