// Package llm contains the completion abstraction used by step executors.
// Providers (OpenAI-compatible HTTP, external command, offline echo) implement
// Client, and the plugin chain in pkg/plugin wraps any Client.
package llm
