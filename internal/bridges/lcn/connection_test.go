package lcn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-lcn/internal/bridges/lcn/pck"
)

type connFixture struct {
	conn      *Connection
	transport *fakeTransport
	listener  *recordingListener
	timers    *fakeTimers
	log       *countingLogger
}

func newConnFixture(t *testing.T, cfg ConnectionConfig) *connFixture {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "gw1"
	}
	ft := newFakeTransport()
	if cfg.Dialer == nil {
		cfg.Dialer = func(context.Context, string, time.Duration) (Transport, error) { return ft, nil }
	}
	l := &recordingListener{}
	c, err := NewConnection(cfg, l)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	timers := &fakeTimers{}
	c.afterFunc = timers.afterFunc
	c.now = func() time.Time { return t0 }
	log := newCountingLogger()
	c.SetLogger(log)
	return &connFixture{conn: c, transport: ft, listener: l, timers: timers, log: log}
}

// attach installs the transport and starts the handshake, as Run does
// after a successful dial.
func (f *connFixture) attach() {
	f.conn.do(func() {
		f.conn.transport = f.transport
		f.conn.setStateLocked(newHandshakeState(f.conn.cfg))
	})
}

// activate attaches and confirms the bus.
func (f *connFixture) activate(t *testing.T) {
	t.Helper()
	f.attach()
	f.conn.OnLineReceived(pck.BusConnected)
	if got := f.conn.State(); got != "active" {
		t.Fatalf("state = %s, want active", got)
	}
}

func (f *connFixture) addModule(t *testing.T, addr string) pck.ModuleAddress {
	t.Helper()
	a := mustAddress(t, addr)
	if err := f.conn.AddModule(a); err != nil {
		t.Fatalf("AddModule(%s): %v", addr, err)
	}
	return a
}

func TestNewConnectionValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  ConnectionConfig
	}{
		{"missing id", ConnectionConfig{URL: "tcp://localhost:4114"}},
		{"bad scheme", ConnectionConfig{ID: "gw1", URL: "udp://localhost:4114"}},
		{"slow faster than fast", ConnectionConfig{ID: "gw1", URL: "tcp://localhost", Settings: Settings{
			PollIntervalFast: time.Minute,
			PollIntervalSlow: time.Second,
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewConnection(tt.cfg, nil); !errors.Is(err, ErrInvalidSettings) {
				t.Errorf("err = %v, want ErrInvalidSettings", err)
			}
		})
	}

	c, err := NewConnection(ConnectionConfig{ID: "gw1", URL: "tcp://pchk.local"}, nil)
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if c.State() != "connecting" || c.Settings() != DefaultSettings() {
		t.Errorf("state = %s, settings = %+v", c.State(), c.Settings())
	}
}

func TestConnectionFallbackReportsOnlineOnce(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	f.attach()

	if got := f.transport.writes(); !reflect.DeepEqual(got, []string{pck.ModeDecimal}) {
		t.Fatalf("writes = %v, want mode command only", got)
	}
	if f.conn.State() != "wait_for_bus" {
		t.Fatalf("state = %s", f.conn.State())
	}
	pending := f.timers.pending()
	if len(pending) != 1 || pending[0].d != DefaultSettings().ConnectionTimeout {
		t.Fatalf("want one fallback timer of the connection timeout, got %d", len(pending))
	}

	f.timers.fireAll()
	if f.conn.State() != "active" || !f.conn.IsOnline() {
		t.Fatalf("state = %s after fallback", f.conn.State())
	}

	// A late bus notice must not report online again.
	f.conn.OnLineReceived(pck.BusConnected)
	if got := f.listener.snapshot(); !reflect.DeepEqual(got, []string{"online"}) {
		t.Errorf("events = %v, want exactly one online", got)
	}
	if f.log.count("info", "assuming connected") != 1 {
		t.Error("fallback should be logged")
	}
}

func TestConnectionDisconnectBeforeFallback(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	f.attach()

	f.conn.OnLineReceived(pck.BusDisconnected)
	if f.conn.State() != "wait_for_bus" {
		t.Fatalf("state = %s", f.conn.State())
	}
	if n := f.timers.fireAll(); n != 0 {
		t.Errorf("%d timers still armed after bus disconnect", n)
	}
	if got := f.listener.snapshot(); !reflect.DeepEqual(got, []string{"offline:bus disconnected"}) {
		t.Fatalf("events = %v", got)
	}

	f.conn.OnLineReceived(pck.BusConnected)
	want := []string{"offline:bus disconnected", "online"}
	if got := f.listener.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestConnectionBusDisconnectWhileActive(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	f.activate(t)

	f.conn.OnLineReceived(pck.BusDisconnected)
	f.conn.OnLineReceived(pck.BusDisconnected)
	if f.conn.State() != "wait_for_bus" || f.conn.IsOnline() {
		t.Fatalf("state = %s online = %v", f.conn.State(), f.conn.IsOnline())
	}
	if len(f.timers.pending()) != 0 {
		t.Error("after-disconnect wait must not arm a fallback")
	}
	f.conn.OnLineReceived(pck.BusConnected)

	want := []string{"online", "offline:bus disconnected", "online"}
	if got := f.listener.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestConnectionLoginHandshake(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{Username: "lcn", Password: "secret"})
	f.attach()

	steps := []struct {
		line string
		want []string
	}{
		{"LCN-PCHK 3.3 family", nil},
		{pck.UsernamePrompt, []string{"lcn"}},
		{pck.PasswordPrompt, []string{"lcn", "secret"}},
		{pck.AuthOK, []string{"lcn", "secret", pck.ModeDecimal}},
	}
	for _, s := range steps {
		if f.conn.State() != "handshake" {
			t.Fatalf("before %q: state = %s", s.line, f.conn.State())
		}
		f.conn.OnLineReceived(s.line)
		if got := f.transport.writes(); !reflect.DeepEqual(got, s.want) {
			t.Fatalf("after %q: writes = %v, want %v", s.line, got, s.want)
		}
	}
	if f.conn.State() != "wait_for_bus" {
		t.Errorf("state = %s, want wait_for_bus", f.conn.State())
	}
	if f.log.count("debug", "secret") != 0 {
		t.Error("password must not be logged")
	}
}

func TestConnectionHandshakeFailures(t *testing.T) {
	tests := []struct {
		name   string
		line   string // empty: let the step timer expire
		reason string
		fatal  error
	}{
		{"auth failed", pck.AuthFailed, ErrAuthFailed.Error(), nil},
		{"timeout", "", ErrHandshakeTimeout.Error(), nil},
		{"licence", pck.InsufficientLicenses, ErrInsufficientLicenses.Error(), ErrInsufficientLicenses},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newConnFixture(t, ConnectionConfig{Username: "lcn", Password: "secret"})
			f.attach()
			f.conn.OnLineReceived(pck.UsernamePrompt)

			if tt.line == "" {
				if f.timers.fireAll() == 0 {
					t.Fatal("no handshake timer armed")
				}
			} else {
				f.conn.OnLineReceived(tt.line)
			}

			if f.conn.State() != "failed" {
				t.Errorf("state = %s, want failed", f.conn.State())
			}
			if !f.transport.isClosed() {
				t.Error("transport not closed")
			}
			want := []string{"offline:" + tt.reason}
			if got := f.listener.snapshot(); !reflect.DeepEqual(got, want) {
				t.Errorf("events = %v, want %v", got, want)
			}
			f.conn.mu.Lock()
			fatal := f.conn.fatal
			f.conn.mu.Unlock()
			if !errors.Is(fatal, tt.fatal) {
				t.Errorf("fatal = %v, want %v", fatal, tt.fatal)
			}
		})
	}
}

func TestConnectionLicenceErrorInEveryState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *connFixture, t *testing.T)
	}{
		{"handshake", func(f *connFixture, _ *testing.T) { f.attach() }},
		{"wait for bus", func(f *connFixture, _ *testing.T) {
			f.attach()
			f.conn.OnLineReceived(pck.UsernamePrompt)
			f.conn.OnLineReceived(pck.PasswordPrompt)
			f.conn.OnLineReceived(pck.AuthOK)
		}},
		{"active", func(f *connFixture, t *testing.T) {
			f.attach()
			f.conn.OnLineReceived(pck.UsernamePrompt)
			f.conn.OnLineReceived(pck.PasswordPrompt)
			f.conn.OnLineReceived(pck.AuthOK)
			f.conn.OnLineReceived(pck.BusConnected)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newConnFixture(t, ConnectionConfig{Username: "lcn", Password: "secret"})
			tt.setup(f, t)
			f.conn.OnLineReceived(pck.InsufficientLicenses)

			f.conn.mu.Lock()
			fatal := f.conn.fatal
			f.conn.mu.Unlock()
			if !errors.Is(fatal, ErrInsufficientLicenses) {
				t.Errorf("fatal = %v", fatal)
			}
			if f.conn.State() != "failed" {
				t.Errorf("state = %s", f.conn.State())
			}
		})
	}
}

func TestConnectionOfflineBuffer(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	addr := mustAddress(t, "S000M005")

	for _, cmd := range []string{"A1DI050000", "A2DI050000", "R81-------"} {
		if err := f.conn.Queue(addr, false, []byte(cmd)); err != nil {
			t.Fatalf("Queue while connecting: %v", err)
		}
	}
	f.attach()
	if got := f.transport.writes(); len(got) != 1 {
		t.Fatalf("frames leaked before the bus was up: %v", got)
	}

	f.conn.OnLineReceived(pck.BusConnected)
	want := []string{
		pck.ModeDecimal,
		">M000005.A1DI050000",
		">M000005.A2DI050000",
		">M000005.R81-------",
	}
	if got := f.transport.writes(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %v, want %v", got, want)
	}
}

func TestConnectionOfflineBufferIsBounded(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	addr := mustAddress(t, "S000M005")

	for i := 0; i < maxOfflineFrames+5; i++ {
		if err := f.conn.Queue(addr, false, []byte(fmt.Sprintf("A1DI%03d000", i%101))); err != nil {
			t.Fatalf("Queue: %v", err)
		}
	}
	if got := f.conn.Stats().OfflineDropped; got != 5 {
		t.Errorf("OfflineDropped = %d, want 5", got)
	}

	f.activate(t)
	if got := len(f.transport.writes()); got != maxOfflineFrames+1 {
		t.Errorf("flushed %d writes, want %d", got, maxOfflineFrames+1)
	}
}

func TestConnectionTickOnlyWhenActive(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	f.addModule(t, "S000M005")

	f.conn.Tick(t0)
	f.attach()
	f.conn.Tick(t0)
	if got := f.transport.writes(); !reflect.DeepEqual(got, []string{pck.ModeDecimal}) {
		t.Fatalf("writes before active = %v", got)
	}

	f.conn.OnLineReceived(pck.BusConnected)
	f.conn.Tick(t0)
	want := []string{pck.ModeDecimal, ">M000005.SN"}
	if got := f.transport.writes(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %v, want %v", got, want)
	}
}

func TestConnectionTickVisitsModulesInAddressOrder(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	f.addModule(t, "S001M002")
	f.addModule(t, "S000M010")
	f.addModule(t, "S000M005")
	f.activate(t)

	f.conn.Tick(t0)
	want := []string{pck.ModeDecimal, ">M000005.SN", ">M000010.SN", ">M001002.SN"}
	if got := f.transport.writes(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %v, want %v", got, want)
	}
}

func TestConnectionRoutesStatusLines(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	f.addModule(t, "S000M005")
	f.activate(t)

	f.conn.OnLineReceived(":M000005A1050")
	got, ok := f.listener.lastStatus().(pck.OutputStatus)
	if !ok || got.Output != 1 || got.Percent != 50 {
		t.Fatalf("status = %#v", f.listener.lastStatus())
	}

	f.conn.OnLineReceived(":M000009A1050")
	f.conn.OnLineReceived("garbage")
	f.conn.OnLineReceived("-M000005!")
	if n := f.conn.Stats().LinesIgnored; n != 2 {
		t.Errorf("LinesIgnored = %d, want 2", n)
	}
	if f.log.count("debug", "stale acknowledgement") != 1 {
		t.Error("stale ack should be logged at debug")
	}
	if len(f.listener.statuses) != 1 {
		t.Errorf("statuses = %d, want 1", len(f.listener.statuses))
	}
}

func TestConnectionResolvesTypelessReplies(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	addr := f.addModule(t, "S000M005")
	f.activate(t)

	f.conn.Tick(t0)
	f.conn.OnLineReceived("=M000005.SN1AB20A123401FW150000HW015")
	if mods := f.conn.Modules(); mods[0].Firmware != 0x150000 || mods[0].Serial != "1AB20A1234" {
		t.Fatalf("module stats = %+v", mods[0])
	}

	for i := 0; i < 10; i++ {
		f.conn.Tick(t0)
	}
	writes := f.transport.writes()
	found := false
	for _, w := range writes {
		if w == ">M000005.MWV" {
			found = true
		}
	}
	if !found {
		t.Fatalf("MWV never sent: %v", writes)
	}

	f.conn.OnLineReceived("%M000005.00042")
	got, ok := f.listener.lastStatus().(pck.VariableStatus)
	want := pck.Variable{Kind: pck.KindVariable, Number: 1}
	if !ok || got.Variable != want || got.Value != 42 || got.Address() != addr {
		t.Fatalf("status = %#v", f.listener.lastStatus())
	}

	// A second typeless reply has nothing to match.
	f.conn.OnLineReceived("%M000005.00043")
	if _, ok := f.listener.lastStatus().(pck.VariableStatus); !ok || f.conn.Stats().LinesIgnored != 1 {
		t.Errorf("unexpected typeless reply should be ignored")
	}
}

func TestConnectionSendCommand(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	addr := f.addModule(t, "S000M005")
	f.activate(t)

	id, err := f.conn.SendCommand(addr, Command{
		ID:       "cmd-1",
		Payload:  "A1DI050000",
		WantsAck: true,
		Refresh:  []Target{{Category: CategoryOutput, Output: 1}},
	})
	if err != nil || id != "cmd-1" {
		t.Fatalf("SendCommand = %q, %v", id, err)
	}
	writes := f.transport.writes()
	if writes[len(writes)-1] != ">M000005!A1DI050000" {
		t.Fatalf("writes = %v", writes)
	}

	f.conn.OnLineReceived("-M000005!")
	results := f.listener.commandResults()
	if len(results) != 1 || results[0].ID != "cmd-1" || results[0].Outcome != CommandAcked {
		t.Fatalf("results = %+v", results)
	}

	if _, err := f.conn.SendCommand(addr, Command{Payload: "R81-------"}); err != nil {
		t.Fatalf("unacknowledged command: %v", err)
	}
	writes = f.transport.writes()
	if writes[len(writes)-1] != ">M000005.R81-------" {
		t.Errorf("last write = %q", writes[len(writes)-1])
	}

	before := len(f.transport.writes())
	_, err = f.conn.SendCommand(addr, Command{Payload: "A1DI050000", Refresh: []Target{{Category: CategoryOutput, Output: 9}}})
	if !errors.Is(err, pck.ErrInvalidValue) {
		t.Errorf("bad refresh target err = %v", err)
	}
	if len(f.transport.writes()) != before {
		t.Error("command with a bad refresh target must not be sent")
	}

	if _, err := f.conn.SendCommand(mustAddress(t, "S000M099"), Command{Payload: "A1DI050000"}); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("unknown module err = %v", err)
	}
}

func TestConnectionSetVariable(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	addr := f.addModule(t, "S000M005")
	f.activate(t)
	v := pck.Variable{Kind: pck.KindVariable, Number: 1}

	f.conn.OnLineReceived("=M000005.SN1AB20A123401FW190B11HW015")
	if _, err := f.conn.SetVariable(addr, v, 150, ""); !errors.Is(err, ErrValueUnknown) {
		t.Fatalf("SetVariable without value = %v", err)
	}

	f.conn.OnLineReceived("%M000005.A001100")
	id, err := f.conn.SetVariable(addr, v, 150, "")
	if err != nil || id == "" {
		t.Fatalf("SetVariable = %q, %v", id, err)
	}
	writes := f.transport.writes()
	if got := writes[len(writes)-1]; got != ">M000005!ZA00150" {
		t.Errorf("frame = %q", got)
	}
}

func TestConnectionListenerMayCallBack(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	addr := mustAddress(t, "S000M005")

	f.listener.onOnline = func() {
		_ = f.conn.Stats()
		_ = f.conn.Queue(addr, false, []byte("SMR"))
	}

	done := make(chan struct{})
	go func() {
		f.attach()
		f.conn.OnLineReceived(pck.BusConnected)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener callback deadlocked the connection")
	}

	writes := f.transport.writes()
	if writes[len(writes)-1] != ">M000005.SMR" {
		t.Errorf("writes = %v", writes)
	}
}

func TestConnectionLostReportsOfflineOnce(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	f.activate(t)

	f.conn.OnConnectionLost(io.EOF)
	f.conn.OnConnectionLost(io.EOF)

	want := []string{"online", "offline:connection lost: EOF"}
	if got := f.listener.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if !f.transport.isClosed() || f.conn.State() != "failed" {
		t.Errorf("closed = %v, state = %s", f.transport.isClosed(), f.conn.State())
	}
	if err := f.conn.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after loss = %v", err)
	}
}

func TestConnectionCloseIsTerminal(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	f.activate(t)

	if err := f.conn.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.conn.Close(); err != nil {
		t.Fatal(err)
	}
	if f.conn.State() != "shutdown" {
		t.Errorf("state = %s", f.conn.State())
	}
	if err := f.conn.Queue(mustAddress(t, "S000M005"), false, []byte("SMR")); !errors.Is(err, ErrShutdown) {
		t.Errorf("Queue after Close = %v", err)
	}
	f.conn.OnConnectionLost(io.EOF)
	want := []string{"online", "offline:connection closed"}
	if got := f.listener.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestConnectionModules(t *testing.T) {
	f := newConnFixture(t, ConnectionConfig{})
	f.addModule(t, "S000M010")
	f.addModule(t, "S000M005")

	if err := f.conn.AddModule(mustAddress(t, "S000M005")); !errors.Is(err, ErrDuplicateModule) {
		t.Errorf("duplicate AddModule = %v", err)
	}
	if err := f.conn.AddModule(pck.ModuleAddress{Segment: 0, Module: 300}); err == nil {
		t.Error("invalid address accepted")
	}

	mods := f.conn.Modules()
	if len(mods) != 2 || mods[0].Address.Module != 5 || mods[1].Address.Module != 10 {
		t.Fatalf("Modules = %+v", mods)
	}

	if err := f.conn.RemoveModule(mustAddress(t, "S000M005")); err != nil {
		t.Fatal(err)
	}
	if err := f.conn.RemoveModule(mustAddress(t, "S000M005")); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("second RemoveModule = %v", err)
	}
	if err := f.conn.RefreshRelays(mustAddress(t, "S000M005")); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("refresh on removed module = %v", err)
	}
	if f.conn.Stats().Modules != 1 {
		t.Errorf("Stats.Modules = %d", f.conn.Stats().Modules)
	}
}

// scriptedDialer hands out fake transports one per dial.
type scriptedDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
	dials      atomic.Int32
}

func (d *scriptedDialer) dial(context.Context, string, time.Duration) (Transport, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	ft := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, ft)
	d.mu.Unlock()
	return ft, nil
}

func (d *scriptedDialer) current() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *scriptedDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func TestConnectionRunReconnects(t *testing.T) {
	d := &scriptedDialer{}
	l := &recordingListener{}
	c, err := NewConnection(ConnectionConfig{ID: "gw1", Dialer: d.dial, ReconnectInterval: 10 * time.Millisecond}, l)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	waitFor(t, "first dial", func() bool { return d.count() == 1 })
	d.current().lines <- pck.BusConnected
	waitFor(t, "online", c.IsOnline)

	_ = d.current().Close()
	waitFor(t, "second dial", func() bool { return d.count() == 2 })
	d.current().lines <- pck.BusConnected
	waitFor(t, "online again", func() bool { return len(l.snapshot()) == 3 })

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v, want nil after cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	want := []string{"online", "offline:connection lost: EOF", "online", "offline:connection closed"}
	if got := l.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if c.Stats().Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", c.Stats().Reconnects)
	}
}

func TestConnectionRunStopsOnLicenceError(t *testing.T) {
	d := &scriptedDialer{}
	c, err := NewConnection(ConnectionConfig{ID: "gw1", Dialer: d.dial, ReconnectInterval: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	waitFor(t, "dial", func() bool { return d.count() == 1 })
	d.current().lines <- pck.InsufficientLicenses

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrInsufficientLicenses) {
			t.Errorf("Run = %v, want ErrInsufficientLicenses", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run kept going after a licence error")
	}
	time.Sleep(50 * time.Millisecond)
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dialled %d times, want 1", n)
	}
}

func TestConnectionRunReportsDialFailureOnce(t *testing.T) {
	d := &scriptedDialer{err: errors.New("connection refused")}
	l := &recordingListener{}
	c, err := NewConnection(ConnectionConfig{ID: "gw1", Dialer: d.dial, ReconnectInterval: 5 * time.Millisecond}, l)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	waitFor(t, "three dials", func() bool { return d.dials.Load() >= 3 })
	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run = %v", err)
	}

	want := []string{"offline:connect failed: connection refused"}
	if got := l.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}
