package config

// SafetyConfig configures the deterministic safety monitor.
type SafetyConfig struct {
	// Path to the YAML rule file. Rules are externalized so the pattern set
	// can be tuned without a rebuild.
	RulesPath string `yaml:"rules_path"`

	// Watch the rule file and hot-reload on change.
	HotReload bool `yaml:"hot_reload"`
}

// DefaultSafetyConfig returns production defaults.
func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		RulesPath: "config/safety_rules.yaml",
		HotReload: true,
	}
}
