// Package sites holds per-domain fetch overrides. A built-in table is
// embedded in the binary and an optional YAML file can add to or replace its
// entries.
package sites

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"golang.org/x/net/publicsuffix"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultSites []byte

// Site is the configuration for one domain. Pointer fields distinguish "not
// set" from an explicit false.
type Site struct {
	UserAgent            string   `yaml:"userAgent"`
	Referer              string   `yaml:"referer"`
	UseRESTAPI           bool     `yaml:"useRestApi"`
	RESTAPIPath          string   `yaml:"restApiPath"`
	PreferStructuredData *bool    `yaml:"preferStructuredData"`
	UseFrameworkData     *bool    `yaml:"useFrameworkData"`
	ArchiveFallback      *bool    `yaml:"archiveFallback"`
	BlockPatterns        []string `yaml:"blockPatterns"`
	TargetSelector       string   `yaml:"targetSelector"`
}

// PrefersStructuredData defaults to true.
func (s Site) PrefersStructuredData() bool { return s.PreferStructuredData == nil || *s.PreferStructuredData }

// FrameworkDataEnabled defaults to true.
func (s Site) FrameworkDataEnabled() bool { return s.UseFrameworkData == nil || *s.UseFrameworkData }

// ArchiveEnabled defaults to true.
func (s Site) ArchiveEnabled() bool { return s.ArchiveFallback == nil || *s.ArchiveFallback }

type file struct {
	Sites map[string]Site `yaml:"sites"`
}

// Registry resolves hosts to site configuration. It is read-only after
// Load and safe for concurrent use.
type Registry struct {
	sites map[string]Site
}

// Parse decodes a sites YAML document. Keys are lowercased.
func Parse(data []byte) (map[string]Site, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("sites: parse: %w", err)
	}
	out := make(map[string]Site, len(f.Sites))
	for domain, s := range f.Sites {
		out[strings.ToLower(strings.TrimSpace(domain))] = s
	}
	return out, nil
}

// New builds a registry from the embedded defaults overlaid with extra.
func New(extra map[string]Site) (*Registry, error) {
	base, err := Parse(defaultSites)
	if err != nil {
		return nil, err
	}
	for domain, s := range extra {
		base[domain] = s
	}
	return &Registry{sites: base}, nil
}

// Load builds a registry from the embedded defaults and, when path is
// non-empty, the YAML file at path. File entries replace defaults.
func Load(path string) (*Registry, error) {
	var extra map[string]Site
	if path != "" {
		// #nosec G304 -- path comes from operator configuration
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("sites: read %s: %w", path, err)
		}
		if extra, err = Parse(data); err != nil {
			return nil, err
		}
	}
	r, err := New(extra)
	if err != nil {
		return nil, err
	}
	slog.Info("sites: configuration loaded", "sites", len(r.sites), "file", path)
	return r, nil
}

// Lookup returns the configuration for host, trying the full host first and
// then each parent domain down to the registrable domain. Unknown hosts get
// the zero Site.
func (r *Registry) Lookup(host string) Site {
	if r == nil {
		return Site{}
	}
	host = normalizeHost(host)
	if host == "" {
		return Site{}
	}

	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		registrable = host
	}

	for name := host; ; {
		if s, ok := r.sites[name]; ok {
			return s
		}
		if name == registrable {
			break
		}
		dot := strings.IndexByte(name, '.')
		if dot < 0 {
			break
		}
		name = name[dot+1:]
	}
	return Site{}
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}
