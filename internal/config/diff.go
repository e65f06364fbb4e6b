package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Session and evaluation tuning and the log level apply to the next session
// without a restart; everything listed in RestartRequired does not.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is set when any session tuning value differs.
	SessionChanged bool

	// EvaluationChanged is set when any scoring parameter differs.
	EvaluationChanged bool

	// RestartRequired names the top-level keys whose change only takes effect
	// after a restart (e.g. "server.listen_addr", "providers.llm").
	RestartRequired []string
}

// Empty reports whether d records no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.EvaluationChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.SessionChanged = old.Session != new.Session
	d.EvaluationChanged = old.Evaluation != new.Evaluation

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	for _, p := range []struct {
		key      string
		old, new ProviderEntry
	}{
		{"providers.realtime", old.Providers.Realtime, new.Providers.Realtime},
		{"providers.llm", old.Providers.LLM, new.Providers.LLM},
		{"providers.llm_fallback", old.Providers.LLMFallback, new.Providers.LLMFallback},
		{"providers.search", old.Providers.Search, new.Providers.Search},
	} {
		if !reflect.DeepEqual(p.old, p.new) {
			d.RestartRequired = append(d.RestartRequired, p.key)
		}
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}

	return d
}
