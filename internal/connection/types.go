package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rickgao/kalshi-stream/internal/auth"
)

// Errors
var (
	ErrNotConnected      = errors.New("not connected")
	ErrStaleConnection   = errors.New("connection stale (no ping)")
	ErrTimeout           = errors.New("operation timeout")
	ErrAlreadyClosed     = errors.New("already closed")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrStopped           = errors.New("manager stopped")
)

// State is the session connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateDegraded
	StateClosed
	// StateFailed is terminal: the venue rejected the handshake and a
	// retry without new credentials would be rejected again.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange is a state-machine transition notification. Errors from the
// receive/send loops surface here, never as panics or returned errors on
// unrelated calls.
type StateChange struct {
	From State
	To   State
	Err  error // Cause, when the transition was error-driven
	At   time.Time
}

// TimestampedMessage wraps raw frame bytes with the local receive timestamp.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// SubID identifies a held subscription. IDs are assigned by the Manager
// when a subscription is first requested and are stable for its lifetime.
type SubID int64

// Subscription tracks one held channel subscription. The market set is
// immutable after creation; changes go through unsubscribe+resubscribe.
type Subscription struct {
	ID      SubID
	Channel string
	Markets []string

	// ServerSID is the venue-assigned subscription ID from the last
	// successful subscribe ack (0 until acked).
	ServerSID int64

	// CommandID is the client command ID used for the original subscribe,
	// re-sent verbatim on reconnect when the manager is configured to
	// reuse IDs.
	CommandID int64

	// sentEpoch is the connection epoch the subscribe was last sent on.
	// Guarded by the manager's subscription mutex; it keeps the Ready
	// flush and a concurrent Subscribe from both sending the command.
	sentEpoch int64
}

// Command is a client command sent to the venue.
type Command struct {
	ID     int64       `json:"id"`
	Cmd    string      `json:"cmd"`
	Params interface{} `json:"params"`
}

// SubscribeParams are parameters for a subscribe command.
type SubscribeParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

// UnsubscribeParams are parameters for an unsubscribe command.
type UnsubscribeParams struct {
	SIDs []int64 `json:"sids"`
}

// AuthParams are parameters for a message-based auth command, used when
// the venue expects authentication after dial instead of at the handshake.
type AuthParams struct {
	Key       string `json:"key"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

// Response is a command response from the venue.
type Response struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"` // "subscribed", "unsubscribed", "error", "ok"
	Msg  json.RawMessage `json:"msg"`
}

// SubscribedMsg is the payload of a "subscribed" response.
type SubscribedMsg struct {
	SID     int64  `json:"sid"`
	Channel string `json:"channel"`
}

// ErrorMsg is the payload of an "error" response.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"msg"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL         string
	Credentials *auth.Credentials // nil = unauthenticated (public channels)

	// AuthInHandshake attaches freshly signed headers to the dial request.
	// When false, the Manager sends a message-based auth command instead.
	AuthInHandshake bool

	HandshakeTimeout time.Duration
	PingInterval     time.Duration // Outbound keep-alive ping cadence
	ReadTimeout      time.Duration // Max silence before the connection is stale
	WriteTimeout     time.Duration
	BufferSize       int // Message channel capacity
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		AuthInHandshake:  true,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     20 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       10000,
	}
}

// ManagerConfig configures the session Manager.
type ManagerConfig struct {
	Client ClientConfig

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	SubscribeTimeout   time.Duration

	// ReuseSubscriptionIDs re-sends original client command IDs when
	// restoring subscriptions after reconnect (venue-protocol-dependent).
	ReuseSubscriptionIDs bool

	// Malformed-frame circuit breaker: this many NoteMalformed calls
	// within the window force Ready -> Degraded.
	MalformedThreshold int
	MalformedWindow    time.Duration

	// ResyncPerMinute caps forced re-snapshot (unsubscribe+resubscribe)
	// requests.
	ResyncPerMinute int

	FrameBufferSize int // Outbound frame channel capacity
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:             DefaultClientConfig(),
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		SubscribeTimeout:   10 * time.Second,
		MalformedThreshold: 25,
		MalformedWindow:    10 * time.Second,
		ResyncPerMinute:    30,
		FrameBufferSize:    10000,
	}
}

// ManagerStats is a point-in-time snapshot of manager counters.
type ManagerStats struct {
	State             State
	Attempt           int
	HeldSubscriptions int
	Reconnects        int64
	MalformedFrames   int64
	DroppedFrames     int64
	ResyncRequests    int64 // resyncs actually issued to the venue
	ResyncThrottled   int64 // resync requests refused by the rate limit
}
