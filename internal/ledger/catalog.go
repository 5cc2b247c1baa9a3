package ledger

import (
	"fmt"
	"sort"
)

// ActionRule is the configuration of one (domain, action) pair.
type ActionRule struct {
	Points           int64 `yaml:"points"`
	MaxPerDay        *int  `yaml:"max_per_day"`
	RequiresEvidence bool  `yaml:"requires_evidence"`
}

// ActionCatalog maps domain -> action -> rule.
type ActionCatalog map[string]map[string]ActionRule

// Lookup returns the rule for a domain/action pair.
func (c ActionCatalog) Lookup(domain, action string) (ActionRule, bool) {
	actions, ok := c[domain]
	if !ok {
		return ActionRule{}, false
	}
	rule, ok := actions[action]
	return rule, ok
}

// Validate rejects catalogs that could only fail at request time.
func (c ActionCatalog) Validate() error {
	domains := make([]string, 0, len(c))
	for d := range c {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	for _, domain := range domains {
		if domain == "" {
			return fmt.Errorf("action catalog: empty domain name")
		}
		for action, rule := range c[domain] {
			if action == "" {
				return fmt.Errorf("action catalog: domain %q has an empty action name", domain)
			}
			if rule.MaxPerDay != nil && *rule.MaxPerDay < 0 {
				return fmt.Errorf("action catalog: %s/%s: max_per_day must be >= 0, got %d", domain, action, *rule.MaxPerDay)
			}
		}
	}
	return nil
}
