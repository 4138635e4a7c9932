package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/TheHackerDev/uaproxy/internal/policy"
)

// envPrefix is the prefix for all environment variables read by NewConfig.
const envPrefix = "UAPROXY"

// NewConfig initializes the program and returns a new instance of the Config object.
// Defaults are overridden by UAPROXY_* environment variables, which are overridden by the command-line
// flags in args (without the program name).
// Any errors returned should be considered fatal.
func NewConfig(args []string) (*Config, error) {
	config := &Config{}

	// Environment
	if envErr := envconfig.Process(envPrefix, config); envErr != nil {
		return nil, fmt.Errorf("unable to read configuration from environment: %w", envErr)
	}

	// Command-line flags; defaults are whatever the environment left in place
	flags := pflag.NewFlagSet("uaproxy", pflag.ContinueOnError)
	flags.StringVar(&config.ListenAddr, "listen", config.ListenAddr, "address the proxy listens on")
	flags.StringVar(&config.MetricsListenAddr, "metrics-listen", config.MetricsListenAddr, "address for the prometheus metrics endpoint (disabled when empty)")
	flags.StringVar(&config.UpstreamProxy, "upstream-proxy", config.UpstreamProxy, "socks5:// or http:// proxy used for all upstream traffic")
	flags.StringVar(&config.PolicyFile, "policy", config.PolicyFile, "YAML header/identity policy file (built-in policy when empty)")
	flags.DurationVar(&config.UpstreamTimeout, "upstream-timeout", config.UpstreamTimeout, "time to wait for upstream response headers")
	flags.DurationVar(&config.DialTimeout, "dial-timeout", config.DialTimeout, "connect and handshake timeout for websocket tunnels")
	flags.Int64Var(&config.MaxRewriteBytes, "max-rewrite-bytes", config.MaxRewriteBytes, "largest HTML or CSS body that is rewritten")
	flags.BoolVar(&config.ProcessLinks, "process-links", config.ProcessLinks, "rewrite anchor targets so followed links stay on the proxy")
	flags.BoolVar(&config.Debug, "debug", config.Debug, "enable debug logging")

	if parseErr := flags.Parse(args); parseErr != nil {
		return nil, fmt.Errorf("unable to parse command-line flags: %w", parseErr)
	}

	// Validate the upstream proxy
	if config.UpstreamProxy != "" {
		u, parseErr := url.Parse(config.UpstreamProxy)
		if parseErr != nil {
			return nil, fmt.Errorf("unable to parse upstream proxy URL: %w", parseErr)
		}
		switch u.Scheme {
		case "socks5", "socks5h", "http", "https":
		default:
			return nil, fmt.Errorf("unsupported upstream proxy scheme %q", u.Scheme)
		}
		config.upstreamProxyURL = u
	}

	if config.MaxRewriteBytes <= 0 {
		return nil, fmt.Errorf("max-rewrite-bytes must be positive, got %d", config.MaxRewriteBytes)
	}

	// Load the header/identity policy
	var policyErr error
	if config.Policy, policyErr = policy.Load(config.PolicyFile); policyErr != nil {
		return nil, fmt.Errorf("unable to load policy: %w", policyErr)
	}

	config.Settings = NewSettings(RewriteConfig{ProcessLinks: config.ProcessLinks})

	log.WithFields(log.Fields{
		"listen":        config.ListenAddr,
		"processLinks":  config.ProcessLinks,
		"upstreamProxy": config.UpstreamProxy != "",
	}).Debug("configuration loaded")

	return config, nil
}

// Config holds all the configuration data for the application.
type Config struct {
	// ListenAddr is the address the proxy listens on.
	ListenAddr string `envconfig:"LISTEN" default:":7891"`

	// MetricsListenAddr is the address of the prometheus endpoint. Empty disables it.
	MetricsListenAddr string `envconfig:"METRICS_LISTEN"`

	// UpstreamProxy is the connection string for the upstream proxy.
	// It is empty if no proxy is used.
	UpstreamProxy string `envconfig:"UPSTREAM_PROXY"`

	// PolicyFile is the path of a YAML policy replacing the built-in one.
	PolicyFile string `envconfig:"POLICY"`

	// UpstreamTimeout bounds the wait for upstream response headers.
	UpstreamTimeout time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"60s"`

	// DialTimeout bounds the connect and handshake of a websocket tunnel.
	DialTimeout time.Duration `envconfig:"DIAL_TIMEOUT" default:"30s"`

	// MaxRewriteBytes is the largest HTML or CSS body the proxy buffers for rewriting.
	MaxRewriteBytes int64 `envconfig:"MAX_REWRITE_BYTES" default:"33554432"`

	// ProcessLinks is the initial value of the runtime link-processing toggle.
	ProcessLinks bool `envconfig:"PROCESS_LINKS" default:"true"`

	// Debug enables debug logging.
	Debug bool `envconfig:"DEBUG"`

	// Policy is the header/identity policy in effect.
	Policy *policy.Policy `ignored:"true"`

	// Settings holds the runtime-mutable rewrite configuration.
	Settings *Settings `ignored:"true"`

	upstreamProxyURL *url.URL
}

// UpstreamProxyURL returns the parsed upstream proxy, or nil when none is configured.
func (c *Config) UpstreamProxyURL() *url.URL {
	return c.upstreamProxyURL
}
