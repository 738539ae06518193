// Package config loads the reconciler configuration.
//
// A configuration is a YAML, JSON or CUE document. Every source is unified
// with the built-in #Config CUE schema, which supplies the defaults and
// rejects unknown fields, and is then checked with struct validation.
// Problems are reported as ValidationErrors carrying file positions where
// the source provides them.
//
// A Store holds the current configuration and hands out immutable
// snapshots. Store.Watch reloads the file when it changes; a version that
// fails validation is logged and the previous one stays in effect, so a
// running pass always sees the settings it started with.
//
//	store, err := config.OpenStore("cloudops.yaml", logger)
//	if err != nil {
//		return err
//	}
//	sched, err := reconcile.NewScheduler(reconcile.Options{
//		Settings: store.Settings,
//		Scopes:   store.Snapshot().ScopeSchedules(),
//		// ...
//	}, logger)
package config
