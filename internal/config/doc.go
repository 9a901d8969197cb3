// Package config loads, defaults, and validates the streamer configuration.
//
// Configuration is YAML with ${VAR} environment expansion, so secrets
// (API key ID, database password) can live in the environment or a .env
// file rather than on disk.
package config
