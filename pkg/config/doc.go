// Package config loads service configuration from GATEKEEP_* environment
// variables with development-friendly defaults and production validation.
package config
