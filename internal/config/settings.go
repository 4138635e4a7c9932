package config

import "sync/atomic"

// RewriteConfig is the operator-controlled part of the rewrite behavior. It is also serialized into every
// page's bootstrap script, so the JSON names are part of the client contract.
type RewriteConfig struct {
	ProcessLinks bool `json:"processLinks"`
}

// Settings holds the current RewriteConfig. Readers take one snapshot per request with Load; the config
// API replaces it with Store. Last writer wins.
type Settings struct {
	current atomic.Pointer[RewriteConfig]
}

// NewSettings returns Settings initialized to initial.
func NewSettings(initial RewriteConfig) *Settings {
	s := &Settings{}
	s.Store(initial)
	return s
}

// Load returns a snapshot of the current config.
func (s *Settings) Load() RewriteConfig {
	return *s.current.Load()
}

// Store replaces the current config.
func (s *Settings) Store(cfg RewriteConfig) {
	s.current.Store(&cfg)
}
