package config

import "github.com/spf13/viper"

// A migration inspects the raw (pre-unmarshal) settings and rewrites
// superseded keys in place. Migrations read and set keys on the viper
// instance, nothing else. Each returns whether it changed anything, so the
// loader can report what was applied and persist the upgraded file.
type migration struct {
	name  string
	apply func(v *viper.Viper) bool
}

var migrations = []migration{
	{"default-engine", migrateDefaultEngine},
	{"overflow-key", migrateOverflowKey},
}

// Migrate upgrades old-format settings and returns the names of the
// migrations that fired. Files already at CurrentVersion are never
// touched, so an upgrade happens exactly once: the loader persists the
// bumped version and subsequent loads skip this path entirely.
func Migrate(v *viper.Viper) []string {
	if v.InConfig("version") && v.GetInt("version") >= CurrentVersion {
		return nil
	}
	var applied []string
	for _, m := range migrations {
		if m.apply(v) {
			applied = append(applied, m.name)
		}
	}
	if len(applied) > 0 {
		v.Set("version", CurrentVersion)
	}
	return applied
}

// v1 used a bare top-level `engine` key.
func migrateDefaultEngine(v *viper.Viper) bool {
	if !v.InConfig("engine") || v.InConfig("default_engine") {
		return false
	}
	v.Set("default_engine", v.GetString("engine"))
	return true
}

// v1 named the overflow policy key `runtime.overflow_policy`.
func migrateOverflowKey(v *viper.Viper) bool {
	if !v.InConfig("runtime.overflow_policy") || v.InConfig("runtime.overflow") {
		return false
	}
	v.Set("runtime.overflow", v.GetString("runtime.overflow_policy"))
	return true
}
