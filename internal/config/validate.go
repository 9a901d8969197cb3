package config

import (
	"errors"
	"fmt"
)

// Channels requiring an authenticated connection.
var privateChannels = map[string]bool{
	"fill": true,
}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Venue.Environment != "prod" && c.Venue.Environment != "demo" {
		return fmt.Errorf("venue.environment must be prod or demo, got %q", c.Venue.Environment)
	}

	// Credentials are optional (public channels), but half-configured
	// credentials are a mistake, not a choice.
	hasKey := c.Credentials.KeyID != ""
	hasPath := c.Credentials.PrivateKeyPath != ""
	if hasKey != hasPath {
		return errors.New("credentials.key_id and credentials.private_key_path must be set together")
	}

	for _, sub := range c.Subscriptions {
		if sub.Channel == "" {
			return errors.New("subscriptions[].channel is required")
		}
		if privateChannels[sub.Channel] && !hasKey {
			return fmt.Errorf("channel %q requires credentials", sub.Channel)
		}
	}

	if c.Database.Host != "" {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	if c.Connection.ReconnectBaseDelay > c.Connection.ReconnectMaxDelay {
		return errors.New("connection.reconnect_base_delay cannot exceed reconnect_max_delay")
	}

	if c.Dispatch.Workers < 1 {
		return errors.New("dispatch.workers must be >= 1")
	}
	if c.Dispatch.QueueSize < 1 {
		return errors.New("dispatch.queue_size must be >= 1")
	}

	if c.Store.BatchSize < 1 {
		return errors.New("store.batch_size must be >= 1")
	}
	if c.Store.QueueSize < 1 {
		return errors.New("store.queue_size must be >= 1")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
