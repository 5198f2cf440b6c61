// Package sitepatterns loads the site pattern catalog and rewrites thumbnail
// URLs to their full-size form. The catalog is an external data file; this
// package only consumes it.
package sitepatterns

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/mediaharvest/harvester/internal/harvest"
)

// Catalog is the on-disk JSON form of the pattern file.
type Catalog struct {
	Sites   []SiteEntry   `json:"sites"`
	Generic []RewriteRule `json:"generic,omitempty"`
}

// SiteEntry describes one site's rewrite rules.
type SiteEntry struct {
	Name     string        `json:"name"`
	Domains  []string      `json:"domains"`
	Rewrites []RewriteRule `json:"rewrites"`
}

// RewriteRule is a regex substitution; Replace may reference capture groups
// with $1, $2, ...
type RewriteRule struct {
	Match   string `json:"match"`
	Replace string `json:"replace"`
}

// genericRules recover full-size URLs from common thumbnailing conventions.
// They apply only when no site rule matched.
var genericRules = []RewriteRule{
	{Match: `/thumbs?/`, Replace: `/`},
	{Match: `/thumbnails?/`, Replace: `/`},
	{Match: `(_|-)(thumb|small|tiny|preview)(\.[a-zA-Z0-9]+)$`, Replace: `$3`},
	{Match: `-\d{2,4}x\d{2,4}(\.[a-zA-Z0-9]+)$`, Replace: `$1`},
}

type compiledRule struct {
	re      *regexp.Regexp
	replace string
}

type site struct {
	name  string
	rules []compiledRule
}

// Registry resolves rewrite rules by domain. The zero value of a nil *Registry
// is usable and rewrites nothing but the generic defaults.
type Registry struct {
	byDomain map[string]*site
	generic  []compiledRule
}

// Load reads and compiles a catalog file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern catalog: %w", err)
	}
	var catalog Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("decode pattern catalog: %w", err)
	}
	return NewRegistry(catalog)
}

// NewRegistry compiles a catalog. Generic rules from the catalog extend the
// built-in defaults.
func NewRegistry(catalog Catalog) (*Registry, error) {
	r := &Registry{byDomain: make(map[string]*site)}
	for _, entry := range catalog.Sites {
		rules, err := compileRules(entry.Rewrites)
		if err != nil {
			return nil, fmt.Errorf("site %q: %w", entry.Name, err)
		}
		s := &site{name: entry.Name, rules: rules}
		for _, d := range entry.Domains {
			r.byDomain[strings.ToLower(strings.TrimSpace(d))] = s
		}
	}
	generic, err := compileRules(append(append([]RewriteRule(nil), genericRules...), catalog.Generic...))
	if err != nil {
		return nil, fmt.Errorf("generic rules: %w", err)
	}
	r.generic = generic
	return r, nil
}

// Default returns a registry with only the built-in generic rules.
func Default() *Registry {
	r, err := NewRegistry(Catalog{})
	if err != nil {
		// The built-in rules are constants; a compile failure is a programming error.
		panic(err)
	}
	return r
}

// RewriteMediaURL applies the first matching site rule for the media URL's
// domain (falling back to the page's domain), then the generic rules. The
// input is returned unchanged when nothing matches.
func (r *Registry) RewriteMediaURL(rawURL, pageURL string) string {
	if r == nil || rawURL == "" {
		return rawURL
	}
	if s := r.siteFor(harvest.Domain(rawURL)); s != nil {
		if out, ok := applyRules(s.rules, rawURL); ok {
			return out
		}
	}
	if s := r.siteFor(harvest.Domain(pageURL)); s != nil {
		if out, ok := applyRules(s.rules, rawURL); ok {
			return out
		}
	}
	if out, ok := applyRules(r.generic, rawURL); ok {
		return out
	}
	return rawURL
}

// SiteName returns the catalog entry name covering a domain, if any.
func (r *Registry) SiteName(domain string) (string, bool) {
	if r == nil {
		return "", false
	}
	s := r.siteFor(domain)
	if s == nil {
		return "", false
	}
	return s.name, true
}

func (r *Registry) siteFor(domain string) *site {
	if domain == "" {
		return nil
	}
	if s, ok := r.byDomain[domain]; ok {
		return s
	}
	// Fall back to the registrable base so img.example.com picks up
	// example.com rules.
	if s, ok := r.byDomain[harvest.BaseDomain(domain)]; ok {
		return s
	}
	return nil
}

func applyRules(rules []compiledRule, rawURL string) (string, bool) {
	for _, rule := range rules {
		if rule.re.MatchString(rawURL) {
			return rule.re.ReplaceAllString(rawURL, rule.replace), true
		}
	}
	return "", false
}

func compileRules(rules []RewriteRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Match)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", rule.Match, err)
		}
		out = append(out, compiledRule{re: re, replace: rule.Replace})
	}
	return out, nil
}
