// Package policy holds the declarative header and identity rules shared by the forwarding pipeline,
// the websocket tunnel and the injected client script.
package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultPolicy []byte

// Brand is one entry of the spoofed navigator.userAgentData brand list.
type Brand struct {
	Brand   string `yaml:"brand" json:"brand"`
	Version string `yaml:"version" json:"version"`
}

// Identity is the desktop browser the proxy presents upstream and inside proxied pages.
type Identity struct {
	UserAgent       string  `yaml:"userAgent" json:"userAgent"`
	Platform        string  `yaml:"platform" json:"platform"`
	PlatformVersion string  `yaml:"platformVersion" json:"platformVersion"`
	Architecture    string  `yaml:"architecture" json:"architecture"`
	Bitness         string  `yaml:"bitness" json:"bitness"`
	FullVersion     string  `yaml:"fullVersion" json:"uaFullVersion"`
	Mobile          bool    `yaml:"mobile" json:"mobile"`
	Brands          []Brand `yaml:"brands" json:"brands"`
}

// RefererRule pins the Referer sent to every host ending in Suffix.
type RefererRule struct {
	Suffix  string `yaml:"suffix"`
	Referer string `yaml:"referer"`
}

// SocketOriginRule pins the handshake Origin for websocket hosts containing Contains.
type SocketOriginRule struct {
	Contains string `yaml:"contains"`
	Origin   string `yaml:"origin"`
}

// Policy is the full rule table.
type Policy struct {
	Identity            Identity           `yaml:"identity"`
	OriginFamily        []string           `yaml:"originFamily"`
	MessageFamily       []string           `yaml:"messageFamily"`
	Aggressive          []string           `yaml:"aggressive"`
	Referers            []RefererRule      `yaml:"referers"`
	SocketOrigins       []SocketOriginRule `yaml:"socketOrigins"`
	DefaultSocketOrigin string             `yaml:"defaultSocketOrigin"`
}

// Default returns the built-in policy.
func Default() *Policy {
	p, parseErr := Parse(defaultPolicy)
	if parseErr != nil {
		// The embedded file is part of the binary; a broken one is a programming error.
		panic(fmt.Errorf("invalid embedded policy: %w", parseErr))
	}

	return p
}

// Load reads the policy from path, or returns the built-in policy when path is empty.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("unable to read policy file '%s': %w", path, readErr)
	}

	p, parseErr := Parse(data)
	if parseErr != nil {
		return nil, fmt.Errorf("invalid policy file '%s': %w", path, parseErr)
	}

	log.WithField("path", path).Infof("loaded policy with %d referer rules and %d socket origin rules", len(p.Referers), len(p.SocketOrigins))

	return p, nil
}

// Parse decodes and validates a YAML policy document.
func Parse(data []byte) (*Policy, error) {
	p := &Policy{}
	if unmarshalErr := yaml.Unmarshal(data, p); unmarshalErr != nil {
		return nil, fmt.Errorf("syntax error in policy: %w", unmarshalErr)
	}

	if validateErr := p.Validate(); validateErr != nil {
		return nil, validateErr
	}

	return p, nil
}

// Validate checks that every rule is usable.
func (p *Policy) Validate() error {
	var errs []error

	if strings.TrimSpace(p.Identity.UserAgent) == "" {
		errs = append(errs, errors.New("identity.userAgent must not be empty"))
	}

	if !isOrigin(p.DefaultSocketOrigin) {
		errs = append(errs, fmt.Errorf("defaultSocketOrigin %q is not an absolute http(s) origin", p.DefaultSocketOrigin))
	}

	for i, rule := range p.Referers {
		if rule.Suffix == "" {
			errs = append(errs, fmt.Errorf("referers[%d]: suffix must not be empty", i))
		}
		if u, parseErr := url.Parse(rule.Referer); parseErr != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("referers[%d]: referer %q is not an absolute url", i, rule.Referer))
		}
	}

	for i, rule := range p.SocketOrigins {
		if rule.Contains == "" {
			errs = append(errs, fmt.Errorf("socketOrigins[%d]: contains must not be empty", i))
		}
		if !isOrigin(rule.Origin) {
			errs = append(errs, fmt.Errorf("socketOrigins[%d]: origin %q is not an absolute http(s) origin", i, rule.Origin))
		}
	}

	return errors.Join(errs...)
}

// UserAgent returns the desktop User-Agent string.
func (p *Policy) UserAgent() string {
	return p.Identity.UserAgent
}

// RefererFor returns the pinned referer for hostname, if any rule matches.
func (p *Policy) RefererFor(hostname string) (string, bool) {
	hostname = strings.ToLower(hostname)
	for _, rule := range p.Referers {
		if strings.HasSuffix(hostname, strings.ToLower(rule.Suffix)) {
			return rule.Referer, true
		}
	}

	return "", false
}

// InOriginFamily reports whether hostname is one of, or a subdomain of, the origin family.
func (p *Policy) InOriginFamily(hostname string) bool {
	return hasDomainSuffix(hostname, p.OriginFamily)
}

// SocketOrigin returns the Origin presented in the websocket handshake to hostname.
func (p *Policy) SocketOrigin(hostname string) string {
	lower := strings.ToLower(hostname)
	for _, rule := range p.SocketOrigins {
		if strings.Contains(lower, strings.ToLower(rule.Contains)) {
			return rule.Origin
		}
	}

	if hasSubdomainSuffix(lower, p.OriginFamily) {
		return "https://" + lower
	}

	return p.DefaultSocketOrigin
}

// hasDomainSuffix reports whether hostname equals a domain in list or is a subdomain of one.
func hasDomainSuffix(hostname string, list []string) bool {
	lower := strings.ToLower(hostname)
	for _, domain := range list {
		domain = strings.ToLower(domain)
		if lower == domain || strings.HasSuffix(lower, "."+domain) {
			return true
		}
	}

	return false
}

// hasSubdomainSuffix reports whether hostname is a strict subdomain of a domain in list.
func hasSubdomainSuffix(hostname string, list []string) bool {
	for _, domain := range list {
		if strings.HasSuffix(hostname, "."+strings.ToLower(domain)) {
			return true
		}
	}

	return false
}

func isOrigin(value string) bool {
	u, parseErr := url.Parse(value)
	if parseErr != nil {
		return false
	}

	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
