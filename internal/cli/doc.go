// Package cli defines the image-optimizer command tree.
//
// Every command builds its dependencies through [openApp] from the same
// configuration: a YAML file given with --config, overridden by environment
// variables, which may come from a .env file in the working directory.
//
// The bulk commands (start, tick, run, reset, status) drive the batch loop one
// call at a time so they can be scheduled from cron; serve exposes the same
// operations over HTTP and adds the indexer and a scheduled run.
package cli
