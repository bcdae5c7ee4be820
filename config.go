// Copyright 2024 The imageauthz authors.
// SPDX-License-Identifier: Apache-2.0

package imageauthz

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults used by DefaultConfig.
const (
	DefaultPrivateKeyword = "private"
	DefaultTimeout        = 10 * time.Second
)

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Message)
}

// Duration is a time.Duration that is written as a string such as "10s" in
// configuration files.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds the settings of a Hook.  A Config must not be modified once it
// has been passed to a Hook; use Hook.SetConfig with a new value instead.
type Config struct {
	// Whitelist lists client IPs, or CIDR prefixes, that may access every
	// resource without authentication.
	Whitelist []string `yaml:"whitelist"`

	// PrivateKeyword marks a resource path as requiring authentication.
	PrivateKeyword string `yaml:"private_keyword"`

	// AuthcheckURL is called with the client's cookies.  A 200 response
	// allows the request, a 302 redirects the client to AuthenticatorURL
	// and anything else denies it.
	AuthcheckURL string `yaml:"authcheck_url"`

	// AuthenticatorURL is the prefix of the login URL.  The escaped request
	// URI is appended to it.
	AuthenticatorURL string `yaml:"authenticator_url"`

	// Timeout bounds each call to AuthcheckURL.
	Timeout Duration `yaml:"timeout"`

	// InsecureSkipVerify disables TLS certificate verification on calls to
	// AuthcheckURL.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// SessionCacheTTL is how long a successful authentication check is
	// remembered.  Zero disables the session cache.
	SessionCacheTTL Duration `yaml:"session_cache_ttl"`

	// TrustedProxies lists peers whose X-Forwarded-* headers are honoured.
	TrustedProxies []string `yaml:"trusted_proxies"`

	whitelist []netip.Prefix
	proxies   []netip.Prefix
}

// DefaultConfig returns a Config with every optional setting at its default.
// AuthcheckURL and AuthenticatorURL have no defaults.
func DefaultConfig() *Config {
	return &Config{
		Whitelist:          []string{"127.0.0.1"},
		PrivateKeyword:     DefaultPrivateKeyword,
		Timeout:            Duration(DefaultTimeout),
		InsecureSkipVerify: true,
		TrustedProxies:     []string{"127.0.0.1", "::1"},
	}
}

// LoadConfig reads a YAML configuration file.  Values in the file override
// those of DefaultConfig.  The returned Config has been validated.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := ParseConfig(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses and validates YAML configuration data.
func ParseConfig(b []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg and prepares it for use.  It must be called before cfg
// is used by a Hook; SetConfig and NewHook call it.
func (cfg *Config) Validate() error {
	if cfg.PrivateKeyword == "" {
		return ConfigError{"private_keyword", "must not be empty"}
	}
	if err := validURL(cfg.AuthcheckURL); err != nil {
		return ConfigError{"authcheck_url", err.Error()}
	}
	if err := validURL(cfg.AuthenticatorURL); err != nil {
		return ConfigError{"authenticator_url", err.Error()}
	}
	if cfg.Timeout <= 0 {
		return ConfigError{"timeout", "must be positive"}
	}
	if cfg.SessionCacheTTL < 0 {
		return ConfigError{"session_cache_ttl", "must not be negative"}
	}

	var err error
	if cfg.whitelist, err = parsePrefixes(cfg.Whitelist); err != nil {
		return ConfigError{"whitelist", err.Error()}
	}
	if cfg.proxies, err = parsePrefixes(cfg.TrustedProxies); err != nil {
		return ConfigError{"trusted_proxies", err.Error()}
	}
	return nil
}

func validURL(s string) error {
	if s == "" {
		return errors.New("must be set")
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("must be an http or https URL")
	}
	if u.Host == "" {
		return errors.New("must be an absolute URL")
	}
	return nil
}

// parsePrefixes parses a list of IP addresses and CIDR prefixes.  Single
// addresses become prefixes covering exactly that address.
func parsePrefixes(list []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func containsAddr(prefixes []netip.Prefix, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// whitelisted reports whether ip may bypass authentication.
func (cfg *Config) whitelisted(ip string) bool {
	return containsAddr(cfg.whitelist, ip)
}

// trustedProxy reports whether ip is a proxy whose forwarding headers can be
// trusted.
func (cfg *Config) trustedProxy(ip string) bool {
	return containsAddr(cfg.proxies, ip)
}
