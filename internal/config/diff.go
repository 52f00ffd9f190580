package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	DirectoryChanged bool // departments, agents, defaults or classifier

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.DirectoryChanged || d.SchedulerChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if !reflect.DeepEqual(old.Departments, new.Departments) ||
		!reflect.DeepEqual(old.Agents, new.Agents) ||
		old.Defaults != new.Defaults ||
		old.Classifier != new.Classifier {
		d.DirectoryChanged = true
	}

	if old.Scheduler != new.Scheduler {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir || old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.NonReloadable = append(d.NonReloadable, "providers")
	}
	if old.Classifier.Model != new.Classifier.Model {
		d.NonReloadable = append(d.NonReloadable, "classifier.model")
	}
	if old.Archive != new.Archive {
		d.NonReloadable = append(d.NonReloadable, "archive.path")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}
