package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: log level,
// NPC personality and speech style, routing thresholds, and time-rule
// enable/disable. Everything else requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RouterChanged is true when any routing threshold moved.
	RouterChanged bool
	NewRouter     RouterConfig

	NPCsChanged bool      // true if any NPC persona changed
	NPCChanges  []NPCDiff // per-NPC diffs

	RulesChanged bool       // true if any rule was toggled, added, or removed
	RuleChanges  []RuleDiff // per-rule diffs
}

// NPCDiff describes what changed for a single NPC between two configs.
type NPCDiff struct {
	Name               string
	PersonalityChanged bool
	StyleChanged       bool
	Added              bool
	Removed            bool
}

// RuleDiff describes a time-rule toggle between two configs.
type RuleDiff struct {
	ID string

	// Enabled is the rule's new state. A removed rule reverts to enabled,
	// matching the loader's absent-means-enabled convention.
	Enabled bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Routing thresholds
	if !routerEqual(old.Router, new.Router) {
		d.RouterChanged = true
		d.NewRouter = new.Router
	}

	// Build NPC lookup maps keyed by name.
	oldNPCs := make(map[string]*NPCConfig, len(old.NPCs))
	for i := range old.NPCs {
		oldNPCs[old.NPCs[i].Name] = &old.NPCs[i]
	}
	newNPCs := make(map[string]*NPCConfig, len(new.NPCs))
	for i := range new.NPCs {
		newNPCs[new.NPCs[i].Name] = &new.NPCs[i]
	}

	// Detect modified and removed NPCs. Iterate the old slice so the diff
	// order is deterministic.
	for i := range old.NPCs {
		name := old.NPCs[i].Name
		newNPC, exists := newNPCs[name]
		if !exists {
			d.NPCChanges = append(d.NPCChanges, NPCDiff{Name: name, Removed: true})
			d.NPCsChanged = true
			continue
		}
		nd := diffNPC(name, &old.NPCs[i], newNPC)
		if nd.PersonalityChanged || nd.StyleChanged {
			d.NPCChanges = append(d.NPCChanges, nd)
			d.NPCsChanged = true
		}
	}

	// Detect added NPCs.
	for i := range new.NPCs {
		if _, exists := oldNPCs[new.NPCs[i].Name]; !exists {
			d.NPCChanges = append(d.NPCChanges, NPCDiff{Name: new.NPCs[i].Name, Added: true})
			d.NPCsChanged = true
		}
	}

	// Rule toggles. A rule entry only matters for its Disabled flag, so the
	// diff reduces to the effective enabled state per rule ID.
	oldRules := ruleStates(old.Rules)
	newRules := ruleStates(new.Rules)
	for _, rule := range old.Rules {
		newEnabled, exists := newRules[rule.ID]
		if !exists {
			newEnabled = true // removed entries revert to enabled
		}
		if oldRules[rule.ID] != newEnabled {
			d.RuleChanges = append(d.RuleChanges, RuleDiff{ID: rule.ID, Enabled: newEnabled})
			d.RulesChanged = true
		}
	}
	for _, rule := range new.Rules {
		if _, exists := oldRules[rule.ID]; !exists && rule.Disabled {
			d.RuleChanges = append(d.RuleChanges, RuleDiff{ID: rule.ID, Enabled: false})
			d.RulesChanged = true
		}
	}

	return d
}

// diffNPC compares two NPC configs with the same name.
func diffNPC(name string, old, new *NPCConfig) NPCDiff {
	nd := NPCDiff{Name: name}
	if old.Personality != new.Personality {
		nd.PersonalityChanged = true
	}
	if old.SpeechStyle != new.SpeechStyle {
		nd.StyleChanged = true
	}
	return nd
}

// routerEqual compares the scalar threshold fields plus the fallback chain.
func routerEqual(a, b RouterConfig) bool {
	if a.DefaultProvider != b.DefaultProvider ||
		a.MaxRetries != b.MaxRetries ||
		a.RetryDelayMS != b.RetryDelayMS ||
		a.CostThreshold != b.CostThreshold ||
		a.HighPriorityLatencyMS != b.HighPriorityLatencyMS {
		return false
	}
	if len(a.FallbackProviders) != len(b.FallbackProviders) {
		return false
	}
	for i := range a.FallbackProviders {
		if a.FallbackProviders[i] != b.FallbackProviders[i] {
			return false
		}
	}
	return true
}

// ruleStates maps rule ID to its effective enabled state.
func ruleStates(rules []RuleConfig) map[string]bool {
	states := make(map[string]bool, len(rules))
	for _, r := range rules {
		states[r.ID] = !r.Disabled
	}
	return states
}
