package config

import "time"

// Config is the root configuration for a streamer instance.
type Config struct {
	Instance      InstanceConfig       `yaml:"instance"`
	Venue         VenueConfig          `yaml:"venue"`
	Credentials   CredentialsConfig    `yaml:"credentials"`
	Database      DBConfig             `yaml:"database"`
	Connection    ConnectionConfig     `yaml:"connection"`
	Dispatch      DispatchConfig       `yaml:"dispatch"`
	Store         StoreConfig          `yaml:"store"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Health        HealthConfig         `yaml:"health"`
}

// InstanceConfig identifies this streamer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// VenueConfig selects the venue endpoint.
type VenueConfig struct {
	// Environment is "prod" or "demo"; it picks the default WSURL.
	Environment string `yaml:"environment"`
	// WSURL overrides the environment default when set.
	WSURL string `yaml:"ws_url"`
}

// CredentialsConfig holds signing material references. Both fields empty
// means an unauthenticated connection (public channels only).
type CredentialsConfig struct {
	KeyID          string `yaml:"key_id"`           // API key ID (KALSHI-ACCESS-KEY header)
	PrivateKeyPath string `yaml:"private_key_path"` // Path to RSA private key PEM file
}

// DBConfig holds the PostgreSQL connection. An empty host selects the
// in-memory store.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ConnectionConfig holds transport and session manager settings.
type ConnectionConfig struct {
	// AuthInHandshake attaches signed headers at dial time when true;
	// when false an auth command is sent after the socket opens.
	AuthInHandshake bool `yaml:"auth_in_handshake"`

	// ReuseSubscriptionIDs re-sends the original client command IDs when
	// restoring subscriptions after a reconnect. Venue-protocol-dependent;
	// fresh IDs are the default.
	ReuseSubscriptionIDs bool `yaml:"reuse_subscription_ids"`

	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	SubscribeTimeout   time.Duration `yaml:"subscribe_timeout"`
	BufferSize         int           `yaml:"buffer_size"`

	// MalformedThreshold is the number of unparseable frames tolerated
	// per window before the connection is treated as degraded.
	MalformedThreshold int           `yaml:"malformed_threshold"`
	MalformedWindow    time.Duration `yaml:"malformed_window"`

	// ResyncPerMinute caps forced re-snapshot requests.
	ResyncPerMinute int `yaml:"resync_per_minute"`
}

// DispatchConfig holds dispatcher worker pool settings.
type DispatchConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"` // Per-worker queue capacity
}

// StoreConfig holds write-behind store settings.
type StoreConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueSize     int           `yaml:"queue_size"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RecentLimit   int           `yaml:"recent_limit"` // Ring buffer size for recent trades/fills
}

// SubscriptionConfig is a channel subscription requested at startup.
type SubscriptionConfig struct {
	Channel string   `yaml:"channel"`
	Markets []string `yaml:"markets"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
