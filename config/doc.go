// Package config provides FileWatcher, a poll-and-debounce file change
// notifier used by internal/configload to trigger routing-config reloads.
package config
