// Package config loads orchestrator configuration from environment-style
// key/value pairs plus an optional YAML agent manifest. Every supervision
// scenario must be reproducible from these knobs alone.
package config
