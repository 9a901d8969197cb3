package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultProdWSURL = "wss://api.elections.kalshi.com/trade-api/ws/v2"
	DefaultDemoWSURL = "wss://demo-api.kalshi.co/trade-api/ws/v2"

	DefaultEnvironment = "prod"

	DefaultDBPort    = 5432
	DefaultDBSSLMode = "prefer"
	DefaultMaxConns  = 10
	DefaultMinConns  = 2

	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultPingInterval       = 20 * time.Second
	DefaultReadTimeout        = 30 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultSubscribeTimeout   = 10 * time.Second
	DefaultBufferSize         = 10000
	DefaultMalformedThreshold = 25
	DefaultMalformedWindow    = 10 * time.Second
	DefaultResyncPerMinute    = 30

	DefaultWorkers   = 8
	DefaultQueueSize = 2048

	DefaultBatchSize     = 500
	DefaultFlushInterval = 1 * time.Second
	DefaultStoreQueue    = 50000
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 250 * time.Millisecond
	DefaultRecentLimit   = 256

	DefaultHealthPort = 8080
	DefaultHealthPath = "/health"
)

func (c *Config) applyDefaults() {
	if c.Venue.Environment == "" {
		c.Venue.Environment = DefaultEnvironment
	}
	if c.Venue.WSURL == "" {
		if c.Venue.Environment == "demo" {
			c.Venue.WSURL = DefaultDemoWSURL
		} else {
			c.Venue.WSURL = DefaultProdWSURL
		}
	}

	if c.Database.Host != "" {
		if c.Database.Port == 0 {
			c.Database.Port = DefaultDBPort
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = DefaultDBSSLMode
		}
		if c.Database.MaxConns == 0 {
			c.Database.MaxConns = DefaultMaxConns
		}
		if c.Database.MinConns == 0 {
			c.Database.MinConns = DefaultMinConns
		}
	}

	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.ReadTimeout == 0 {
		c.Connection.ReadTimeout = DefaultReadTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.SubscribeTimeout == 0 {
		c.Connection.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}
	if c.Connection.MalformedThreshold == 0 {
		c.Connection.MalformedThreshold = DefaultMalformedThreshold
	}
	if c.Connection.MalformedWindow == 0 {
		c.Connection.MalformedWindow = DefaultMalformedWindow
	}
	if c.Connection.ResyncPerMinute == 0 {
		c.Connection.ResyncPerMinute = DefaultResyncPerMinute
	}

	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = DefaultWorkers
	}
	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = DefaultQueueSize
	}

	if c.Store.BatchSize == 0 {
		c.Store.BatchSize = DefaultBatchSize
	}
	if c.Store.FlushInterval == 0 {
		c.Store.FlushInterval = DefaultFlushInterval
	}
	if c.Store.QueueSize == 0 {
		c.Store.QueueSize = DefaultStoreQueue
	}
	if c.Store.MaxRetries == 0 {
		c.Store.MaxRetries = DefaultMaxRetries
	}
	if c.Store.RetryDelay == 0 {
		c.Store.RetryDelay = DefaultRetryDelay
	}
	if c.Store.RecentLimit == 0 {
		c.Store.RecentLimit = DefaultRecentLimit
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}
