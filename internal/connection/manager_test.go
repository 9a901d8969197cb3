package connection

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/kalshi-stream/internal/auth"
)

// fakeClient is a scripted Client for driving the state machine without
// a real socket.
type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	sent       []Command
	respond    func(Command) *Response

	messages chan TimestampedMessage
	errors   chan error
}

var fakeSID atomic.Int64

func newFakeClient() *fakeClient {
	fc := &fakeClient{
		messages: make(chan TimestampedMessage, 100),
		errors:   make(chan error, 1),
	}
	// Default: ack every command like a healthy venue.
	fc.respond = func(cmd Command) *Response {
		switch cmd.Cmd {
		case "subscribe":
			msg, _ := json.Marshal(SubscribedMsg{SID: fakeSID.Add(1), Channel: ""})
			return &Response{ID: cmd.ID, Type: "subscribed", Msg: msg}
		case "unsubscribe":
			return &Response{ID: cmd.ID, Type: "unsubscribed"}
		case "auth":
			return &Response{ID: cmd.ID, Type: "ok"}
		}
		return nil
	}
	return fc
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeClient) Send(data []byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ErrNotConnected
	}

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, cmd)
	respond := f.respond
	f.mu.Unlock()

	if resp := respond(cmd); resp != nil {
		raw, _ := json.Marshal(resp)
		f.messages <- TimestampedMessage{Data: raw, ReceivedAt: time.Now()}
	}
	return nil
}

func (f *fakeClient) Messages() <-chan TimestampedMessage { return f.messages }
func (f *fakeClient) Errors() <-chan error                { return f.errors }

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) sentCommands(name string) []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Command
	for _, cmd := range f.sent {
		if cmd.Cmd == name {
			out = append(out, cmd)
		}
	}
	return out
}

// failConnection simulates an unexpected socket drop.
func (f *fakeClient) failConnection(err error) {
	select {
	case f.errors <- err:
	default:
	}
}

// fakeFactory builds fakeClients and remembers them in creation order.
type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	prepare func(i int, fc *fakeClient)
}

func (ff *fakeFactory) new(cfg ClientConfig, _ *slog.Logger) Client {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	fc := newFakeClient()
	if ff.prepare != nil {
		ff.prepare(len(ff.clients), fc)
	}
	ff.clients = append(ff.clients, fc)
	return fc
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.clients)
}

func (ff *fakeFactory) client(i int) *fakeClient {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if i >= len(ff.clients) {
		return nil
	}
	return ff.clients[i]
}

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.SubscribeTimeout = time.Second
	cfg.MalformedThreshold = 3
	cfg.MalformedWindow = time.Minute
	return cfg
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*manager, *fakeFactory) {
	t.Helper()
	ff := &fakeFactory{}
	m := NewManager(cfg, slog.Default()).(*manager)
	m.newClient = ff.new
	return m, ff
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func waitState(t *testing.T, m Manager, want State) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool { return m.State() == want },
		fmt.Sprintf("state %s (now %s)", want, m.State()))
}

func TestManager_ConnectsToReady(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	waitState(t, m, StateReady)
}

func TestManager_Subscribe_Idempotent(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig())

	id1, err := m.Subscribe("orderbook_delta", []string{"MKT-A", "MKT-B"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Same channel, same set, different order.
	id2, err := m.Subscribe("orderbook_delta", []string{"MKT-B", "MKT-A"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if id1 != id2 {
		t.Errorf("ids differ: %d vs %d", id1, id2)
	}
	if got := m.Stats().HeldSubscriptions; got != 1 {
		t.Errorf("HeldSubscriptions = %d, want 1", got)
	}
}

func TestManager_QueuedSubscriptionsFlushOnReady(t *testing.T) {
	m, ff := newTestManager(t, testManagerConfig())

	// Subscribe before starting: must queue, not fail.
	if _, err := m.Subscribe("ticker", nil); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := m.Subscribe("trade", nil); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	waitState(t, m, StateReady)
	waitFor(t, time.Second, func() bool {
		return len(ff.client(0).sentCommands("subscribe")) == 2
	}, "2 subscribe commands")
}

func TestManager_ResubscribesAfterReconnect(t *testing.T) {
	m, ff := newTestManager(t, testManagerConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	waitState(t, m, StateReady)

	for _, ch := range []string{"ticker", "trade", "orderbook_delta"} {
		if _, err := m.Subscribe(ch, []string{"MKT-A"}); err != nil {
			t.Fatalf("Subscribe(%s) failed: %v", ch, err)
		}
	}
	waitFor(t, time.Second, func() bool {
		return len(ff.client(0).sentCommands("subscribe")) == 3
	}, "initial subscribes")

	// Drop the socket.
	ff.client(0).failConnection(errors.New("connection reset"))

	// Reconnect happens on a fresh client; the full held set is re-sent.
	waitFor(t, 2*time.Second, func() bool { return ff.count() >= 2 }, "reconnect")
	waitState(t, m, StateReady)
	waitFor(t, time.Second, func() bool {
		return len(ff.client(1).sentCommands("subscribe")) == 3
	}, "3 re-subscribes on new connection")

	if got := m.Stats().HeldSubscriptions; got != 3 {
		t.Errorf("HeldSubscriptions = %d, want 3", got)
	}
}

func TestManager_StopWhileDegraded(t *testing.T) {
	cfg := testManagerConfig()
	cfg.ReconnectBaseDelay = 200 * time.Millisecond
	cfg.ReconnectMaxDelay = 500 * time.Millisecond

	m, ff := newTestManager(t, cfg)
	ff.prepare = func(i int, fc *fakeClient) {
		fc.connectErr = errors.New("connection refused")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitState(t, m, StateDegraded)

	// Stop mid-backoff: Closed promptly, no further attempts.
	attempts := ff.count()
	start := time.Now()
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > cfg.ReconnectMaxDelay {
		t.Errorf("Stop took %v, want under one backoff tick", elapsed)
	}

	waitState(t, m, StateClosed)
	time.Sleep(3 * cfg.ReconnectBaseDelay)
	if ff.count() > attempts+1 {
		t.Errorf("reconnect attempts continued after Stop: %d -> %d", attempts, ff.count())
	}
}

func TestManager_HandshakeRejectedIsTerminal(t *testing.T) {
	m, ff := newTestManager(t, testManagerConfig())
	ff.prepare = func(i int, fc *fakeClient) {
		fc.connectErr = fmt.Errorf("%w: status 401", ErrHandshakeRejected)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitState(t, m, StateFailed)

	// No retries after Failed.
	time.Sleep(100 * time.Millisecond)
	if got := ff.count(); got != 1 {
		t.Errorf("connect attempts = %d, want 1", got)
	}
}

func TestManager_RestartAfterFailed(t *testing.T) {
	m, ff := newTestManager(t, testManagerConfig())
	ff.prepare = func(i int, fc *fakeClient) {
		if i == 0 {
			fc.connectErr = fmt.Errorf("%w: status 401", ErrHandshakeRejected)
		}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitState(t, m, StateFailed)

	// Operator retry with corrected credentials: a new Start is allowed.
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	waitState(t, m, StateReady)
}

func TestManager_MessageAuth(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	cfg := testManagerConfig()
	cfg.Client.Credentials = &auth.Credentials{KeyID: "msg-key", PrivateKey: key}
	cfg.Client.AuthInHandshake = false

	m, ff := newTestManager(t, cfg)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	waitState(t, m, StateReady)

	authCmds := ff.client(0).sentCommands("auth")
	if len(authCmds) != 1 {
		t.Fatalf("auth commands = %d, want 1", len(authCmds))
	}
}

func TestManager_MessageAuthRejected(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	cfg := testManagerConfig()
	cfg.Client.Credentials = &auth.Credentials{KeyID: "bad-key", PrivateKey: key}
	cfg.Client.AuthInHandshake = false

	m, ff := newTestManager(t, cfg)
	ff.prepare = func(i int, fc *fakeClient) {
		fc.respond = func(cmd Command) *Response {
			if cmd.Cmd == "auth" {
				msg, _ := json.Marshal(ErrorMsg{Code: "unauthorized", Message: "bad key"})
				return &Response{ID: cmd.ID, Type: "error", Msg: msg}
			}
			return nil
		}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitState(t, m, StateFailed)
}

func TestManager_MalformedThresholdDegrades(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MalformedThreshold = 3

	m, ff := newTestManager(t, cfg)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	waitState(t, m, StateReady)

	m.NoteMalformed()
	m.NoteMalformed()
	time.Sleep(10 * time.Millisecond)
	if ff.count() != 1 {
		t.Fatalf("degraded before threshold: %d clients", ff.count())
	}

	m.NoteMalformed()

	waitFor(t, 2*time.Second, func() bool { return ff.count() >= 2 }, "reconnect after threshold")
	waitState(t, m, StateReady)

	if got := m.Stats().MalformedFrames; got != 3 {
		t.Errorf("MalformedFrames = %d, want 3", got)
	}
}

func TestManager_FramesForwarded(t *testing.T) {
	m, ff := newTestManager(t, testManagerConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	waitState(t, m, StateReady)

	ff.client(0).messages <- TimestampedMessage{
		Data:       []byte(`{"type":"ticker","msg":{"market_ticker":"MKT-A"}}`),
		ReceivedAt: time.Now(),
	}

	select {
	case frame := <-m.Frames():
		if len(frame.Data) == 0 {
			t.Error("empty frame")
		}
	case <-time.After(time.Second):
		t.Fatal("data frame not forwarded")
	}
}

func TestManager_RequestResync(t *testing.T) {
	m, ff := newTestManager(t, testManagerConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	waitState(t, m, StateReady)

	if _, err := m.Subscribe("orderbook_delta", []string{"MKT-A"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return len(ff.client(0).sentCommands("subscribe")) == 1
	}, "initial subscribe")

	m.RequestResync("orderbook_delta", []string{"MKT-A"})

	waitFor(t, time.Second, func() bool {
		return len(ff.client(0).sentCommands("unsubscribe")) == 1 &&
			len(ff.client(0).sentCommands("subscribe")) == 2
	}, "unsubscribe+resubscribe")

	// Held set unchanged.
	if got := m.Stats().HeldSubscriptions; got != 1 {
		t.Errorf("HeldSubscriptions = %d, want 1", got)
	}
}

func TestManager_ResyncThrottleCountsSeparately(t *testing.T) {
	cfg := testManagerConfig()
	cfg.ResyncPerMinute = 2 // limiter burst 2, no refill within the test

	m, ff := newTestManager(t, cfg)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	waitState(t, m, StateReady)

	if _, err := m.Subscribe("orderbook_delta", []string{"MKT-A"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return len(ff.client(0).sentCommands("subscribe")) == 1
	}, "initial subscribe")

	for i := 0; i < 5; i++ {
		m.RequestResync("orderbook_delta", []string{"MKT-A"})
	}

	stats := m.Stats()
	if stats.ResyncRequests != 2 {
		t.Errorf("ResyncRequests = %d, want 2 (only issued resyncs)", stats.ResyncRequests)
	}
	if stats.ResyncThrottled != 3 {
		t.Errorf("ResyncThrottled = %d, want 3", stats.ResyncThrottled)
	}

	// Only the issued resyncs reach the wire.
	waitFor(t, time.Second, func() bool {
		return len(ff.client(0).sentCommands("unsubscribe")) == 2
	}, "2 unsubscribes")
}

func TestManager_SubscribeDuringReadyFlushSentOnce(t *testing.T) {
	m, ff := newTestManager(t, testManagerConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	waitState(t, m, StateReady)

	// Subscribe on a live connection claims the subscription for this
	// connection before sending.
	if _, err := m.Subscribe("ticker", []string{"MKT-A"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return len(ff.client(0).sentCommands("subscribe")) == 1
	}, "subscribe sent")

	// A flush racing with that Subscribe (it snapshots the held set just
	// after the Ready transition) must skip the claimed subscription
	// instead of asking the venue for a second SID.
	m.flushSubscriptions(ff.client(0))

	time.Sleep(20 * time.Millisecond)
	if got := len(ff.client(0).sentCommands("subscribe")); got != 1 {
		t.Errorf("subscribe commands = %d, want 1", got)
	}

	// A fresh connection is a fresh claim: the subscription is re-sent.
	ff.client(0).failConnection(errors.New("connection reset"))
	waitFor(t, 2*time.Second, func() bool { return ff.count() >= 2 }, "reconnect")
	waitState(t, m, StateReady)
	waitFor(t, time.Second, func() bool {
		return len(ff.client(1).sentCommands("subscribe")) == 1
	}, "re-subscribe on new connection")
}

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 2 * time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := baseBackoff(attempt, base, maxDelay)
		if d < prev {
			t.Errorf("attempt %d: delay %v < previous %v", attempt, d, prev)
		}
		if d > maxDelay {
			t.Errorf("attempt %d: delay %v exceeds cap %v", attempt, d, maxDelay)
		}
		prev = d
	}

	if d := baseBackoff(30, base, maxDelay); d != maxDelay {
		t.Errorf("large attempt delay = %v, want cap %v", d, maxDelay)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 10 * time.Second

	for attempt := 0; attempt < 6; attempt++ {
		want := baseBackoff(attempt, base, maxDelay)
		for i := 0; i < 50; i++ {
			d := jitteredBackoff(attempt, base, maxDelay)
			if d < want-want/5 || d > want+want/5 {
				t.Fatalf("attempt %d: jittered %v outside [%v, %v]", attempt, d, want-want/5, want+want/5)
			}
		}
	}
}

func TestBackoff_AttemptResetsOnReady(t *testing.T) {
	m, ff := newTestManager(t, testManagerConfig())

	// First two attempts fail, third succeeds.
	ff.prepare = func(i int, fc *fakeClient) {
		if i < 2 {
			fc.connectErr = errors.New("connection refused")
		}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	waitState(t, m, StateReady)

	if got := m.Stats().Attempt; got != 0 {
		t.Errorf("Attempt = %d after Ready, want 0", got)
	}
}

func TestSubscriptionKey(t *testing.T) {
	a := subscriptionKey("ticker", []string{"B", "A"})
	b := subscriptionKey("ticker", []string{"A", "B"})
	if a != b {
		t.Errorf("keys differ for equivalent sets: %q vs %q", a, b)
	}

	c := subscriptionKey("trade", []string{"A", "B"})
	if a == c {
		t.Error("keys collide across channels")
	}

	if subscriptionKey("ticker", nil) != "ticker" {
		t.Error("global subscription key should be the channel name")
	}
}

func TestTryParseResponse(t *testing.T) {
	if _, ok := tryParseResponse([]byte(`{"type":"subscribed","id":5,"msg":{"sid":9}}`)); !ok {
		t.Error("subscribed response not recognized")
	}
	if _, ok := tryParseResponse([]byte(`{"type":"ticker","sid":1,"msg":{}}`)); ok {
		t.Error("data frame misparsed as response")
	}
	if _, ok := tryParseResponse([]byte(`{"type":"error","msg":{"code":"x"}}`)); ok {
		t.Error("server-push error without id misparsed as command response")
	}
	if _, ok := tryParseResponse([]byte(`not json`)); ok {
		t.Error("garbage parsed as response")
	}
}
