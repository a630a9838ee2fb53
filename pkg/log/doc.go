// Package log provides structured logging for the orchestrator built on
// zerolog. All components log through child loggers carrying a component
// field so operators can filter supervisor, bus, ledger and agent output
// independently.
package log
