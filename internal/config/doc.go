// Package config loads the chain description used by the chaincheck CLI: a
// TOML file whose values command-line flags may override.
package config
