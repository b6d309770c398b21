// Package config provides configuration management for a concord node.
//
// This package handles loading, validating, and defaulting configuration
// from YAML files with environment variable overrides. There is no global
// instance: callers load a *Config once and pass it to the components that
// need it.
//
// # Configuration Loading
//
// Configuration can be loaded in two ways:
//
//  1. From a YAML file only:
//     cfg, err := config.LoadConfig("concord.yaml")
//
//  2. From a YAML file with environment variable overrides:
//     cfg, err := config.LoadConfigWithEnvOverrides("concord.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention CONCORD_SECTION_FIELD.
// For example:
//
//   - CONCORD_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - CONCORD_REPLICATION_PEERS=node-b=http://b:7400,node-c=http://c:7400
//     replaces replication.peers
//   - CONCORD_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// A value that does not parse is an error rather than being ignored.
//
// # Configuration Precedence
//
//  1. Default values (defined in defaults.go)
//  2. Values from YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// # Validation
//
// Validate collects every problem into a ValidationError whose FieldErrors
// name the dotted path of the offending field. Cron schedules are parsed
// with the same parser the scheduler uses.
package config
