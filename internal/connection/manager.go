package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/kalshi-stream/internal/auth"
)

// ErrMalformedThreshold is the cause recorded when the malformed-frame
// circuit breaker forces a reconnect.
var ErrMalformedThreshold = errors.New("malformed frame threshold exceeded")

// Manager supervises the single live connection: it drives the reconnect
// state machine, restores subscriptions after reconnects, and exposes the
// inbound frame stream.
type Manager interface {
	// Start launches the session. Valid from Idle, Closed, or Failed
	// (a new Start after Failed is the operator's explicit retry).
	Start(ctx context.Context) error

	// Stop shuts the session down: best-effort unsubscribe, socket close,
	// terminal Closed state. Idempotent; observable mid-backoff.
	Stop(ctx context.Context) error

	// State returns the current connection state.
	State() State

	// StateChanges returns transition notifications. The channel is
	// buffered; slow consumers lose the oldest notifications.
	StateChanges() <-chan StateChange

	// Subscribe registers a channel subscription. Idempotent with respect
	// to (channel, instrument set): re-subscribing an equivalent pair
	// returns the existing ID. Queued while not Ready and flushed on the
	// transition to Ready.
	Subscribe(channel string, markets []string) (SubID, error)

	// Unsubscribe removes a held subscription and, when connected, sends
	// the protocol unsubscribe.
	Unsubscribe(id SubID) error

	// RequestResync forces a fresh snapshot for a channel/instrument pair
	// via unsubscribe+resubscribe. Rate limited.
	RequestResync(channel string, markets []string)

	// Frames returns the inbound data frame stream for the dispatcher.
	Frames() <-chan TimestampedMessage

	// NoteMalformed records an unparseable frame; crossing the configured
	// threshold within the window degrades the connection.
	NoteMalformed()

	// Degrade forces Ready -> Degraded (used for venue errors tagged
	// session-fatal).
	Degrade(reason error)

	// Stats returns a snapshot of counters.
	Stats() ManagerStats
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	// newClient is swappable for tests.
	newClient func(ClientConfig, *slog.Logger) Client

	frames  chan TimestampedMessage
	changes chan StateChange

	mu      sync.Mutex
	state   State
	lastErr error
	attempt int
	client  Client
	running bool
	stopCh  chan struct{}

	subMu   sync.Mutex
	subs    map[SubID]*Subscription
	subKeys map[string]SubID // subscription key -> ID, for idempotence

	pendMu  sync.Mutex
	pending map[int64]chan Response

	degradeCh chan error

	resyncLimiter *rate.Limiter

	malMu    sync.Mutex
	malCount int
	malStart time.Time

	nextCmdID atomic.Int64
	nextSubID atomic.Int64

	// connEpoch increments once per authenticated connection. Together
	// with Subscription.sentEpoch it makes subscribe sends once-per-
	// connection regardless of which path (flush or Subscribe) runs first.
	connEpoch atomic.Int64

	reconnects      atomic.Int64
	malformed       atomic.Int64
	dropped         atomic.Int64
	resyncs         atomic.Int64
	resyncThrottled atomic.Int64

	wg sync.WaitGroup
}

// NewManager creates a session Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	burst := cfg.ResyncPerMinute
	if burst > 5 {
		burst = 5
	}
	if burst < 1 {
		burst = 1
	}

	return &manager{
		cfg:           cfg,
		logger:        logger,
		newClient:     NewClient,
		frames:        make(chan TimestampedMessage, cfg.FrameBufferSize),
		changes:       make(chan StateChange, 64),
		state:         StateIdle,
		subs:          make(map[SubID]*Subscription),
		subKeys:       make(map[string]SubID),
		pending:       make(map[int64]chan Response),
		degradeCh:     make(chan error, 1),
		resyncLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(max(cfg.ResyncPerMinute, 1))), burst),
	}
}

// Start launches the session loop.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	switch m.state {
	case StateIdle, StateClosed, StateFailed:
	default:
		return fmt.Errorf("cannot start from state %s", m.state)
	}

	m.running = true
	m.attempt = 0
	m.lastErr = nil
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.run(ctx, m.stopCh)

	return nil
}

// Stop shuts down the session.
func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		if m.state != StateFailed && m.state != StateClosed {
			m.setStateLocked(StateClosed, nil)
		}
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stopCh := m.stopCh
	cli := m.client
	m.mu.Unlock()

	close(stopCh)

	if cli != nil && cli.IsConnected() {
		m.sendUnsubscribeAll(cli)
		cli.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("session manager stop timed out")
	}

	m.mu.Lock()
	if m.state != StateFailed {
		m.setStateLocked(StateClosed, nil)
	}
	m.mu.Unlock()

	return nil
}

// State returns the current state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateChanges returns the transition notification channel.
func (m *manager) StateChanges() <-chan StateChange {
	return m.changes
}

// Frames returns the inbound frame channel.
func (m *manager) Frames() <-chan TimestampedMessage {
	return m.frames
}

// Subscribe registers a held subscription.
func (m *manager) Subscribe(channel string, markets []string) (SubID, error) {
	if channel == "" {
		return 0, errors.New("channel is required")
	}

	key := subscriptionKey(channel, markets)

	m.subMu.Lock()
	if id, ok := m.subKeys[key]; ok {
		m.subMu.Unlock()
		return id, nil
	}

	sub := &Subscription{
		ID:      SubID(m.nextSubID.Add(1)),
		Channel: channel,
		Markets: append([]string(nil), markets...),
	}
	m.subs[sub.ID] = sub
	m.subKeys[key] = sub.ID
	m.subMu.Unlock()

	m.logger.Debug("subscription held", "id", sub.ID, "channel", channel, "markets", len(markets))

	// Send now if connected; otherwise the Ready transition flushes it.
	m.mu.Lock()
	ready := m.state == StateReady
	cli := m.client
	m.mu.Unlock()

	if ready && cli != nil && m.claimForSend(sub) {
		go m.sendSubscribe(cli, sub)
	}

	return sub.ID, nil
}

// claimForSend marks a subscription as sent on the current connection.
// Returns false when the Ready flush already claimed it, so exactly one
// subscribe command goes out per subscription per connection.
func (m *manager) claimForSend(sub *Subscription) bool {
	epoch := m.connEpoch.Load()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	if sub.sentEpoch == epoch {
		return false
	}
	sub.sentEpoch = epoch
	return true
}

// Unsubscribe removes a held subscription.
func (m *manager) Unsubscribe(id SubID) error {
	m.subMu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
		delete(m.subKeys, subscriptionKey(sub.Channel, sub.Markets))
	}
	m.subMu.Unlock()

	if !ok {
		return nil
	}

	m.mu.Lock()
	ready := m.state == StateReady
	cli := m.client
	m.mu.Unlock()

	if ready && cli != nil && sub.ServerSID != 0 {
		go m.sendUnsubscribe(cli, sub.ServerSID)
	}

	return nil
}

// RequestResync forces a fresh snapshot for a channel/instrument pair.
// The venue has no explicit resync verb, so the path is unsubscribe then
// resubscribe, which makes the server replay a snapshot.
func (m *manager) RequestResync(channel string, markets []string) {
	if !m.resyncLimiter.Allow() {
		m.resyncThrottled.Add(1)
		m.logger.Warn("resync request throttled", "channel", channel)
		return
	}
	m.resyncs.Add(1)

	key := subscriptionKey(channel, markets)

	m.subMu.Lock()
	id, ok := m.subKeys[key]
	var sub *Subscription
	if ok {
		sub = m.subs[id]
	}
	m.subMu.Unlock()

	if !ok {
		// Nothing held: a plain subscribe yields the snapshot.
		m.Subscribe(channel, markets)
		return
	}

	m.mu.Lock()
	ready := m.state == StateReady
	cli := m.client
	m.mu.Unlock()

	if !ready || cli == nil {
		// Reconnect will re-send the subscription anyway.
		return
	}

	go func() {
		if sid := sub.ServerSID; sid != 0 {
			m.sendUnsubscribe(cli, sid)
		}
		m.sendSubscribe(cli, sub)
	}()
}

// NoteMalformed counts an unparseable frame toward the circuit breaker.
func (m *manager) NoteMalformed() {
	m.malformed.Add(1)

	m.malMu.Lock()
	now := time.Now()
	if m.malStart.IsZero() || now.Sub(m.malStart) > m.cfg.MalformedWindow {
		m.malStart = now
		m.malCount = 0
	}
	m.malCount++
	tripped := m.malCount >= m.cfg.MalformedThreshold
	if tripped {
		m.malCount = 0
		m.malStart = time.Time{}
	}
	m.malMu.Unlock()

	if tripped {
		m.Degrade(ErrMalformedThreshold)
	}
}

// Degrade forces the connection into the reconnect path.
func (m *manager) Degrade(reason error) {
	select {
	case m.degradeCh <- reason:
	default:
	}
}

// Stats returns a snapshot of counters.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	state := m.state
	attempt := m.attempt
	m.mu.Unlock()

	m.subMu.Lock()
	held := len(m.subs)
	m.subMu.Unlock()

	return ManagerStats{
		State:             state,
		Attempt:           attempt,
		HeldSubscriptions: held,
		Reconnects:        m.reconnects.Load(),
		MalformedFrames:   m.malformed.Load(),
		DroppedFrames:     m.dropped.Load(),
		ResyncRequests:    m.resyncs.Load(),
		ResyncThrottled:   m.resyncThrottled.Load(),
	}
}

// run is the session loop: connect, authenticate, flush subscriptions,
// pump frames until the connection degrades, back off, repeat. It is the
// only writer of connection-state transitions.
func (m *manager) run(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()

	for {
		if stopRequested(ctx, stopCh) {
			m.setState(StateClosed, nil)
			return
		}

		m.setState(StateConnecting, nil)

		cli := m.newClient(m.cfg.Client, m.logger)
		m.mu.Lock()
		m.client = cli
		m.mu.Unlock()

		if err := cli.Connect(ctx); err != nil {
			cli.Close()

			if errors.Is(err, ErrHandshakeRejected) || errors.Is(err, auth.ErrCredential) {
				m.logger.Error("handshake rejected, not retrying", "error", err)
				m.setState(StateFailed, err)
				m.mu.Lock()
				m.running = false
				m.mu.Unlock()
				return
			}

			m.logger.Warn("connect failed", "error", err)
			m.setState(StateDegraded, err)
			if !m.backoff(ctx, stopCh) {
				m.setState(StateClosed, nil)
				return
			}
			continue
		}

		// Discard any degrade signal left over from the previous
		// connection: it must not kill the fresh one.
		select {
		case <-m.degradeCh:
		default:
		}

		// Frame pump must run before authentication so command acks can
		// be correlated.
		pumpDone := make(chan error, 1)
		go m.pump(cli, stopCh, pumpDone)

		m.setState(StateAuthenticating, nil)

		if err := m.authenticate(cli); err != nil {
			cli.Close()

			if errors.Is(err, ErrHandshakeRejected) {
				m.logger.Error("authentication rejected, not retrying", "error", err)
				m.setState(StateFailed, err)
				m.mu.Lock()
				m.running = false
				m.mu.Unlock()
				return
			}

			// SigningError and timeouts retry on the next attempt with a
			// freshly generated signature.
			m.logger.Warn("authentication failed", "error", err)
			m.setState(StateDegraded, err)
			if !m.backoff(ctx, stopCh) {
				m.setState(StateClosed, nil)
				return
			}
			continue
		}

		m.connEpoch.Add(1)
		m.setState(StateReady, nil)
		m.flushSubscriptions(cli)

		// Block until the connection degrades or shutdown is requested.
		select {
		case <-ctx.Done():
			cli.Close()
			m.setState(StateClosed, nil)
			return
		case <-stopCh:
			cli.Close()
			m.setState(StateClosed, nil)
			return
		case err := <-pumpDone:
			cli.Close()
			m.reconnects.Add(1)
			m.logger.Warn("connection degraded", "error", err)
			m.setState(StateDegraded, err)
			if !m.backoff(ctx, stopCh) {
				m.setState(StateClosed, nil)
				return
			}
		}
	}
}

// pump consumes inbound frames from one client: command responses are
// routed to waiting senders, everything else goes to the frame channel.
// The frame channel is never blocked on: if it is full the frame is
// dropped and counted.
func (m *manager) pump(cli Client, stopCh chan struct{}, done chan<- error) {
	for {
		select {
		case <-stopCh:
			return

		case reason := <-m.degradeCh:
			done <- reason
			return

		case err := <-cli.Errors():
			done <- err
			return

		case msg, ok := <-cli.Messages():
			if !ok {
				done <- ErrNotConnected
				return
			}

			if resp, ok := tryParseResponse(msg.Data); ok {
				m.routeResponse(resp)
				continue
			}

			select {
			case m.frames <- msg:
			default:
				m.dropped.Add(1)
				m.logger.Warn("frame buffer full, dropping frame")
			}
		}
	}
}

// authenticate performs message-based auth when the handshake did not
// carry credentials. A fresh signature is generated per attempt.
func (m *manager) authenticate(cli Client) error {
	creds := m.cfg.Client.Credentials
	if creds == nil || m.cfg.Client.AuthInHandshake {
		return nil
	}

	headers, err := creds.SignWebSocket()
	if err != nil {
		return err
	}

	id := m.nextCmdID.Add(1)
	cmd := Command{
		ID:  id,
		Cmd: "auth",
		Params: AuthParams{
			Key:       headers.KeyID,
			Signature: headers.Signature,
			Timestamp: headers.Timestamp,
		},
	}

	resp, err := m.sendCommand(cli, id, cmd)
	if err != nil {
		return err
	}

	if resp.Type == "error" {
		var errMsg ErrorMsg
		json.Unmarshal(resp.Msg, &errMsg)
		if isAuthRejection(errMsg.Code) {
			return fmt.Errorf("%w: %s: %s", ErrHandshakeRejected, errMsg.Code, errMsg.Message)
		}
		return fmt.Errorf("auth command failed: %s: %s", errMsg.Code, errMsg.Message)
	}

	return nil
}

// flushSubscriptions re-sends every held subscription on the new
// connection. Invariant: after reaching Ready, the held set and the sent
// set converge (failures stay held and retry on the next reconnect).
// Subscriptions a concurrent Subscribe already claimed for this
// connection are skipped: the venue must not see them twice.
func (m *manager) flushSubscriptions(cli Client) {
	epoch := m.connEpoch.Load()

	m.subMu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.sentEpoch == epoch {
			continue
		}
		sub.sentEpoch = epoch
		subs = append(subs, sub)
	}
	m.subMu.Unlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })

	for _, sub := range subs {
		m.sendSubscribe(cli, sub)
	}

	if len(subs) > 0 {
		m.logger.Info("subscriptions restored", "count", len(subs))
	}
}

// sendSubscribe sends one subscribe command and records the server SID
// from the ack.
func (m *manager) sendSubscribe(cli Client, sub *Subscription) {
	var id int64
	if m.cfg.ReuseSubscriptionIDs && sub.CommandID != 0 {
		id = sub.CommandID
	} else {
		id = m.nextCmdID.Add(1)
	}

	cmd := Command{
		ID:  id,
		Cmd: "subscribe",
		Params: SubscribeParams{
			Channels:      []string{sub.Channel},
			MarketTickers: sub.Markets,
		},
	}

	resp, err := m.sendCommand(cli, id, cmd)
	if err != nil {
		m.logger.Warn("subscribe failed",
			"channel", sub.Channel,
			"markets", len(sub.Markets),
			"error", err,
		)
		return
	}

	if resp.Type == "error" {
		var errMsg ErrorMsg
		json.Unmarshal(resp.Msg, &errMsg)
		m.logger.Warn("subscribe rejected",
			"channel", sub.Channel,
			"code", errMsg.Code,
			"message", errMsg.Message,
		)
		return
	}

	var subMsg SubscribedMsg
	json.Unmarshal(resp.Msg, &subMsg)

	m.subMu.Lock()
	if _, held := m.subs[sub.ID]; held {
		sub.ServerSID = subMsg.SID
		sub.CommandID = id
	}
	m.subMu.Unlock()

	m.logger.Debug("subscribed",
		"channel", sub.Channel,
		"sid", subMsg.SID,
		"cmd_id", id,
	)
}

// sendUnsubscribe sends one unsubscribe command for a server SID.
func (m *manager) sendUnsubscribe(cli Client, sid int64) {
	id := m.nextCmdID.Add(1)
	cmd := Command{
		ID:     id,
		Cmd:    "unsubscribe",
		Params: UnsubscribeParams{SIDs: []int64{sid}},
	}

	if _, err := m.sendCommand(cli, id, cmd); err != nil {
		m.logger.Warn("unsubscribe failed", "sid", sid, "error", err)
	}
}

// sendUnsubscribeAll is the best-effort unsubscribe pass during Stop.
func (m *manager) sendUnsubscribeAll(cli Client) {
	m.subMu.Lock()
	sids := make([]int64, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.ServerSID != 0 {
			sids = append(sids, sub.ServerSID)
		}
	}
	m.subMu.Unlock()

	if len(sids) == 0 {
		return
	}

	id := m.nextCmdID.Add(1)
	cmd := Command{
		ID:     id,
		Cmd:    "unsubscribe",
		Params: UnsubscribeParams{SIDs: sids},
	}

	data, _ := json.Marshal(cmd)
	if err := cli.Send(data); err != nil {
		m.logger.Debug("shutdown unsubscribe failed", "error", err)
	}
}

// sendCommand sends a command and waits for its correlated response.
func (m *manager) sendCommand(cli Client, id int64, cmd Command) (Response, error) {
	respCh := make(chan Response, 1)

	m.pendMu.Lock()
	m.pending[id] = respCh
	m.pendMu.Unlock()

	defer func() {
		m.pendMu.Lock()
		delete(m.pending, id)
		m.pendMu.Unlock()
	}()

	data, err := json.Marshal(cmd)
	if err != nil {
		return Response{}, err
	}
	if err := cli.Send(data); err != nil {
		return Response{}, err
	}

	select {
	case <-time.After(m.cfg.SubscribeTimeout):
		return Response{}, ErrTimeout
	case resp := <-respCh:
		return resp, nil
	}
}

// routeResponse delivers a response to the waiting sender.
func (m *manager) routeResponse(resp Response) {
	m.pendMu.Lock()
	ch, ok := m.pending[resp.ID]
	if ok {
		delete(m.pending, resp.ID)
	}
	m.pendMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// backoff sleeps for the computed delay. Returns false if shutdown was
// requested during the sleep.
func (m *manager) backoff(ctx context.Context, stopCh chan struct{}) bool {
	m.mu.Lock()
	attempt := m.attempt
	m.attempt++
	m.mu.Unlock()

	delay := jitteredBackoff(attempt, m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay)

	m.logger.Info("reconnecting",
		"attempt", attempt+1,
		"delay", delay,
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// setState transitions the state machine and notifies listeners.
func (m *manager) setState(to State, err error) {
	m.mu.Lock()
	m.setStateLocked(to, err)
	m.mu.Unlock()
}

func (m *manager) setStateLocked(to State, err error) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.lastErr = err
	if to == StateReady {
		m.attempt = 0
	}

	change := StateChange{From: from, To: to, Err: err, At: time.Now()}
	select {
	case m.changes <- change:
	default:
		// Full: drop the oldest notification, keep the newest.
		select {
		case <-m.changes:
			m.changes <- change
		default:
		}
	}
}

// baseBackoff is the deterministic capped exponential delay.
func baseBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// jitteredBackoff adds random jitter in [0, delay/5] in either direction.
func jitteredBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := baseBackoff(attempt, base, maxDelay)

	span := int64(delay / 5)
	if span <= 0 {
		return delay
	}

	jitter := time.Duration(rand.Int63n(span + 1))
	if rand.Intn(2) == 0 {
		return delay - jitter
	}
	return delay + jitter
}

// tryParseResponse attempts to parse a frame as a command response.
func tryParseResponse(data []byte) (Response, bool) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}
	if resp.ID == 0 {
		return Response{}, false
	}

	switch resp.Type {
	case "subscribed", "unsubscribed", "error", "ok":
		return resp, true
	}

	return Response{}, false
}

// isAuthRejection reports whether a venue error code means the
// credentials themselves were rejected (terminal, not transient).
func isAuthRejection(code string) bool {
	switch code {
	case "unauthorized", "unauthenticated", "invalid_credentials", "forbidden":
		return true
	}
	return false
}

// subscriptionKey builds the idempotence key for a channel/instrument set.
// Market order is irrelevant to equivalence.
func subscriptionKey(channel string, markets []string) string {
	if len(markets) == 0 {
		return channel
	}
	sorted := append([]string(nil), markets...)
	sort.Strings(sorted)
	return channel + "|" + strings.Join(sorted, ",")
}

func stopRequested(ctx context.Context, stopCh chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stopCh:
		return true
	default:
		return false
	}
}
