// Package policy loads authorization policy profiles and evaluates their
// rules. A profile declares the external-reserve requirement, daily
// authorization caps, CEL escalation rules, and the partial-release band
// table the settlement kernel consults for soft acceptance failures.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/settld-labs/settld/pkg/canonical"
)

// DefaultProfileName is used when an agreement names no profile.
const DefaultProfileName = "default"

// ErrProfileNotFound is returned when a named profile is not registered.
var ErrProfileNotFound = errors.New("policy: profile not found")

// Rule is one CEL escalation rule. When the expression evaluates true the
// authorization trips with the rule's stable reason code.
type Rule struct {
	Code string `yaml:"code" json:"code"`
	Expr string `yaml:"expr" json:"expr"`
}

// Band maps a failed soft acceptance check to an integer release percent.
// Checks not named in any band are hard: their failure rejects outright.
type Band struct {
	Check          string `yaml:"check" json:"check"`
	ReleaseRatePct int    `yaml:"releaseRatePct" json:"releaseRatePct"`
}

// Profile is one named policy configuration.
type Profile struct {
	Name                       string `yaml:"name" json:"name"`
	MaxDailyAuthorizationCents int64  `yaml:"maxDailyAuthorizationCents" json:"maxDailyAuthorizationCents"`
	RequireExternalReserve     bool   `yaml:"requireExternalReserve" json:"requireExternalReserve"`
	EscalationRules            []Rule `yaml:"escalationRules" json:"escalationRules"`
	PartialBands               []Band `yaml:"partialBands" json:"partialBands"`
	Version                    int    `yaml:"version" json:"version"`
}

// Fingerprint is the canonical hash of the profile. Decision records pin it
// so a later profile edit cannot silently change what a receipt meant.
func (p *Profile) Fingerprint() (string, error) {
	return canonical.Hash(p)
}

// PartialPct returns the release percent for a set of failed soft checks:
// the minimum band percent across all failures. The second return is false
// when any failed check has no band, which makes the failure hard.
func (p *Profile) PartialPct(failedChecks []string) (int, bool) {
	bands := make(map[string]int, len(p.PartialBands))
	for _, b := range p.PartialBands {
		bands[b.Check] = b.ReleaseRatePct
	}
	pct := 100
	for _, c := range failedChecks {
		b, ok := bands[c]
		if !ok {
			return 0, false
		}
		if b < pct {
			pct = b
		}
	}
	return pct, true
}

// Registry holds the loaded profiles by name.
type Registry struct {
	profiles map[string]*Profile
}

// NewRegistry builds a registry seeded with the built-in default profile:
// every acceptance check hard, no external reserve, no escalation rules.
func NewRegistry() *Registry {
	return &Registry{profiles: map[string]*Profile{
		DefaultProfileName: {Name: DefaultProfileName, Version: 1},
	}}
}

// Register adds or replaces a profile.
func (r *Registry) Register(p *Profile) error {
	if p.Name == "" {
		return errors.New("policy: profile has no name")
	}
	for _, b := range p.PartialBands {
		if b.ReleaseRatePct < 0 || b.ReleaseRatePct > 100 {
			return fmt.Errorf("policy: profile %q band %q percent out of range", p.Name, b.Check)
		}
	}
	r.profiles[p.Name] = p
	return nil
}

// Lookup resolves a profile by name; empty resolves to the default.
func (r *Registry) Lookup(name string) (*Profile, error) {
	if name == "" {
		name = DefaultProfileName
	}
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	return p, nil
}

// Names lists the registered profile names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadDir loads every policy_*.yaml file in dir into the registry.
func (r *Registry) LoadDir(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "policy_*.yaml"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if p.Name == "" {
			base := filepath.Base(path)
			p.Name = strings.TrimSuffix(strings.TrimPrefix(base, "policy_"), ".yaml")
		}
		if err := r.Register(&p); err != nil {
			return err
		}
	}
	return nil
}
