// Package config loads the daemon configuration from a JSON or YAML file,
// fills defaults and applies environment overrides for secrets. The result is
// passed explicitly to constructors; there is no global instance.
package config
