// Package jobs turns configured job definitions into scheduler tasks and
// keeps the scheduled set in sync with the config across reloads.
package jobs
