// Package config loads engine configuration from environment variables and
// optional JSON files.
//
// Every logical setting resolves through environment-suffixed variants so a
// single process environment can carry dev/staging/prod values side by side:
// NAME_ENV, NAME_env, ENV_NAME, env_NAME, then the bare NAME. ENV defaults
// to "dev".
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fleetyard/basesync/internal/schema"
)

// Defaults and floors for the conflict tolerance windows.
const (
	defaultSupabaseToleranceMS = 1000
	defaultAirtableToleranceMS = 60000
	toleranceFloorMS           = 5000
	defaultIntervalMinutes     = 15
)

// FieldRef mirrors airtable.FieldRef, independently defined to keep config
// free of adapter imports.
type FieldRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TableRef addresses one sheet table by id and/or name.
type TableRef struct {
	ID   string
	Name string
}

// Config is the resolved engine configuration.
type Config struct {
	Env string

	SupabaseURL string
	SupabaseKey string

	AirtableToken  string
	AirtableBaseID string

	Tables    map[string]TableRef            // entity -> table addressing
	FieldMaps map[string]map[string]FieldRef // entity -> key -> field ref

	IntervalMinutes   int
	SupabaseTolerance time.Duration
	AirtableTolerance time.Duration

	RulesFile string
	Rules     *SyncRules

	LogLevel  string
	LogFormat string
}

// SyncRules controls the blank-overwrite guard.
type SyncRules struct {
	PreventBlankOverwrite bool                `json:"preventBlankOverwrite"`
	AllowBlankOverwrite   BlankOverwriteLists `json:"allowBlankOverwrite"`
}

// BlankOverwriteLists holds the per-direction, per-entity field allowlists.
type BlankOverwriteLists struct {
	AirtableToSupabase map[string][]string `json:"airtableToSupabase"`
	SupabaseToAirtable map[string][]string `json:"supabaseToAirtable"`
}

// DefaultRules is the policy used when no rules file is configured: blanks
// never overwrite non-blank target values.
func DefaultRules() *SyncRules {
	return &SyncRules{PreventBlankOverwrite: true}
}

// Allows reports whether the allowlist for (direction, entity) contains
// field. Direction uses the persisted direction strings.
func (r *SyncRules) Allows(direction, entity, field string) bool {
	var m map[string][]string
	switch direction {
	case "airtable_to_supabase":
		m = r.AllowBlankOverwrite.AirtableToSupabase
	case "supabase_to_airtable":
		m = r.AllowBlankOverwrite.SupabaseToAirtable
	}
	for _, f := range m[entity] {
		if f == field {
			return true
		}
	}
	return false
}

// resolve returns the first set variant of name for the active environment.
func resolve(env, name string) string {
	upper := strings.ToUpper(env)
	lower := strings.ToLower(env)
	for _, candidate := range []string{
		name + "_" + upper,
		name + "_" + lower,
		upper + "_" + name,
		lower + "_" + name,
		name,
	} {
		if v := os.Getenv(candidate); v != "" {
			return v
		}
	}
	return ""
}

// Load reads and validates the full configuration. Missing credentials or
// table addressing are fatal.
func Load() (*Config, error) {
	env := os.Getenv("ENV")
	if env == "" {
		env = "dev"
	}

	cfg := &Config{
		Env:             env,
		SupabaseURL:     resolve(env, "SUPABASE_URL"),
		SupabaseKey:     resolve(env, "SUPABASE_SERVICE_KEY"),
		AirtableToken:   resolve(env, "AIRTABLE_TOKEN"),
		AirtableBaseID:  resolve(env, "AIRTABLE_BASE_ID"),
		Tables:          make(map[string]TableRef),
		FieldMaps:       make(map[string]map[string]FieldRef),
		IntervalMinutes: defaultIntervalMinutes,
		RulesFile:       resolve(env, "SYNC_RULES_FILE"),
		LogLevel:        resolve(env, "SYNC_LOG_LEVEL"),
		LogFormat:       resolve(env, "SYNC_LOG_FORMAT"),
	}

	var missing []string
	if cfg.SupabaseURL == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if cfg.SupabaseKey == "" {
		missing = append(missing, "SUPABASE_SERVICE_KEY")
	}
	if cfg.AirtableToken == "" {
		missing = append(missing, "AIRTABLE_TOKEN")
	}
	if cfg.AirtableBaseID == "" {
		missing = append(missing, "AIRTABLE_BASE_ID")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	for _, ent := range schema.Entities {
		ref := TableRef{
			ID:   resolve(env, "AIRTABLE_TABLE_ID_"+ent.EnvKey),
			Name: resolve(env, "AIRTABLE_TABLE_NAME_"+ent.EnvKey),
		}
		if ref.ID == "" && ref.Name == "" {
			return nil, fmt.Errorf("entity %s: neither AIRTABLE_TABLE_ID_%s nor AIRTABLE_TABLE_NAME_%s is set",
				ent.Name, ent.EnvKey, ent.EnvKey)
		}
		cfg.Tables[ent.Name] = ref
	}

	if err := cfg.loadFieldMaps(env); err != nil {
		return nil, err
	}

	if v := resolve(env, "SYNC_INTERVAL_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SYNC_INTERVAL_MINUTES %q", v)
		}
		cfg.IntervalMinutes = n
	}

	var err error
	cfg.SupabaseTolerance, err = tolerance(env, "SUPABASE_TOLERANCE_MS", defaultSupabaseToleranceMS)
	if err != nil {
		return nil, err
	}
	cfg.AirtableTolerance, err = tolerance(env, "AIRTABLE_TOLERANCE_MS", defaultAirtableToleranceMS)
	if err != nil {
		return nil, err
	}

	cfg.Rules = DefaultRules()
	if cfg.RulesFile != "" {
		rules, err := LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		cfg.Rules = rules
	}

	return cfg, nil
}

// tolerance resolves a tolerance window. Explicit values are used verbatim;
// the built-in default is floored so clock skew between the stores cannot
// make every record look changed.
func tolerance(env, name string, def int) (time.Duration, error) {
	if v := resolve(env, name); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return 0, fmt.Errorf("invalid %s %q", name, v)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	if def < toleranceFloorMS {
		def = toleranceFloorMS
	}
	return time.Duration(def) * time.Millisecond, nil
}

// loadFieldMaps merges the file-based field map (if configured) with inline
// AIRTABLE_FIELD_MAP_<ENTITY> variables. Inline entries win.
func (c *Config) loadFieldMaps(env string) error {
	if path := resolve(env, "AIRTABLE_FIELD_MAP_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read field map file: %w", err)
		}
		// {env: {entity: {key: {id, name}}}}
		var byEnv map[string]map[string]map[string]FieldRef
		if err := json.Unmarshal(data, &byEnv); err != nil {
			return fmt.Errorf("parse field map file %s: %w", path, err)
		}
		for entity, keys := range byEnv[env] {
			c.FieldMaps[entity] = keys
		}
	}

	for _, ent := range schema.Entities {
		inline := resolve(env, "AIRTABLE_FIELD_MAP_"+ent.EnvKey)
		if inline == "" {
			continue
		}
		m := c.FieldMaps[ent.Name]
		if m == nil {
			m = make(map[string]FieldRef)
			c.FieldMaps[ent.Name] = m
		}
		if err := parseInlineFieldMap(inline, m); err != nil {
			return fmt.Errorf("AIRTABLE_FIELD_MAP_%s: %w", ent.EnvKey, err)
		}
	}
	return nil
}

// parseInlineFieldMap parses "key=fieldId|fieldName,key2=fieldId2" entries.
func parseInlineFieldMap(s string, into map[string]FieldRef) error {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, spec, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("malformed entry %q (want key=fieldId[|fieldName])", part)
		}
		id, name, _ := strings.Cut(spec, "|")
		into[strings.TrimSpace(key)] = FieldRef{
			ID:   strings.TrimSpace(id),
			Name: strings.TrimSpace(name),
		}
	}
	return nil
}

// LoadRules reads a sync-rules file.
func LoadRules(path string) (*SyncRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sync rules: %w", err)
	}
	var rules SyncRules
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse sync rules %s: %w", path, err)
	}
	return &rules, nil
}
