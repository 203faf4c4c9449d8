package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked — structural changes
// such as store.postgres_dsn require a process restart and are not diffed here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ProvidersChanged bool // LLM or embeddings provider name/model/fallbacks changed

	JudgmentChanged bool // neighbor_count or score_floor changed

	TaskConcurrencyChanged bool
	NewTaskConcurrency     int
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if providersChanged(old.Providers, new.Providers) {
		d.ProvidersChanged = true
	}

	if old.Judgment.NeighborCount != new.Judgment.NeighborCount ||
		old.Judgment.ScoreFloor != new.Judgment.ScoreFloor {
		d.JudgmentChanged = true
	}

	if old.Task.Concurrency != new.Task.Concurrency {
		d.TaskConcurrencyChanged = true
		d.NewTaskConcurrency = new.Task.Concurrency
	}

	return d
}

func providersChanged(old, new ProvidersConfig) bool {
	return providerEntryChanged(old.LLM, new.LLM) || providerEntryChanged(old.Embeddings, new.Embeddings)
}

func providerEntryChanged(old, new ProviderEntry) bool {
	if old.Name != new.Name || old.Model != new.Model || old.BaseURL != new.BaseURL {
		return true
	}
	if len(old.Fallbacks) != len(new.Fallbacks) {
		return true
	}
	for i := range old.Fallbacks {
		if providerEntryChanged(old.Fallbacks[i], new.Fallbacks[i]) {
			return true
		}
	}
	return false
}
