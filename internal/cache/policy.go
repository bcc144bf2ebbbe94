package cache

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Strategy string

const (
	// CacheFirst serves a stored copy if one exists, otherwise fetches and
	// stores. Used for immutable shell assets.
	CacheFirst Strategy = "cache-first"
	// NetworkFirst fetches within the rule timeout and falls back to the last
	// stored copy of the identical request, marked stale.
	NetworkFirst Strategy = "network-first"
	// NetworkOnlyOffline never touches the cache. A failed fetch becomes a
	// synthesized offline response.
	NetworkOnlyOffline Strategy = "network-only-offline"
	// Passthrough fetches and returns errors unchanged.
	Passthrough Strategy = "passthrough"
)

func (s Strategy) valid() bool {
	switch s {
	case CacheFirst, NetworkFirst, NetworkOnlyOffline, Passthrough:
		return true
	}
	return false
}

// Class names the kind of request a rule covers. It is informational; the
// Strategy decides behaviour.
type Class string

const (
	ClassStatic Class = "static"
	ClassRead   Class = "read"
	ClassWrite  Class = "write"
	ClassLive   Class = "live"
)

// Rule matches requests by method, host and path prefix. Empty fields match
// anything.
type Rule struct {
	Name       string        `yaml:"name"`
	Class      Class         `yaml:"class"`
	Methods    []string      `yaml:"methods,omitempty"`
	Host       string        `yaml:"host,omitempty"`
	PathPrefix string        `yaml:"path_prefix,omitempty"`
	Strategy   Strategy      `yaml:"strategy"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

func (r Rule) matches(method string, u *url.URL) bool {
	if len(r.Methods) > 0 {
		ok := false
		for _, m := range r.Methods {
			if strings.EqualFold(m, method) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if r.Host != "" && !strings.Contains(u.Hostname(), r.Host) {
		return false
	}
	if r.PathPrefix != "" && !strings.HasPrefix(u.Path, r.PathPrefix) {
		return false
	}
	return true
}

// Policy is an ordered rule table; the first matching rule wins.
type Policy struct {
	Rules []Rule `yaml:"rules"`
	// Precache lists shell asset paths installed with each generation.
	Precache []string `yaml:"precache,omitempty"`
}

// fallbackRule applies when nothing in the table matches.
var fallbackRule = Rule{Name: "fallback", Class: ClassLive, Strategy: Passthrough}

// Match returns the first rule matching the request.
func (p Policy) Match(method string, u *url.URL) Rule {
	for _, r := range p.Rules {
		if r.matches(method, u) {
			return r
		}
	}
	return fallbackRule
}

func (p Policy) Validate() error {
	for i, r := range p.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if !r.Strategy.valid() {
			return fmt.Errorf("rule %q: unknown strategy %q", r.Name, r.Strategy)
		}
		if r.Timeout < 0 {
			return fmt.Errorf("rule %q: negative timeout", r.Name)
		}
	}
	return nil
}

// DefaultPolicy is the built-in table: liveness probes and writes go to the
// network, API reads are network-first, everything else is a shell asset.
func DefaultPolicy(readTimeout, writeTimeout time.Duration) Policy {
	return Policy{
		Rules: []Rule{
			{Name: "health", Class: ClassLive, PathPrefix: "/health", Strategy: Passthrough, Timeout: readTimeout},
			{Name: "api-write", Class: ClassWrite, Methods: []string{"POST", "PUT", "PATCH", "DELETE"}, PathPrefix: "/api/", Strategy: NetworkOnlyOffline, Timeout: writeTimeout},
			{Name: "api-read", Class: ClassRead, Methods: []string{"GET"}, PathPrefix: "/api/", Strategy: NetworkFirst, Timeout: readTimeout},
			{Name: "metrics", Class: ClassLive, PathPrefix: "/metrics", Strategy: Passthrough},
			{Name: "shell", Class: ClassStatic, Methods: []string{"GET"}, Strategy: CacheFirst, Timeout: writeTimeout},
		},
		Precache: []string{"/", "/index.html", "/site.webmanifest", "/favicon.ico"},
	}
}

// LoadPolicy reads a YAML policy file. Unknown fields are rejected.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
