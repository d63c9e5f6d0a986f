// Package config loads the broker configuration from a YAML or TOML file.
//
// Example YAML:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"
//
//	broker:
//	  invocation_timeout: "30s"
//	  write_timeout: "10s"
//	  replay_window: "5m"
//	  max_message_bytes: 1048576
//
//	database:
//	  path: "${HOME}/.local/share/toolbroker/history.db"
//
//	logging:
//	  level: "info"
//	  format: "text"
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// The same keys are accepted in a .toml file. ${VAR} references are expanded
// from the environment before parsing, unset variables expand to "". When
// invocation_timeout is absent, invocation_timeout_ms (an integer) is used.
// An empty database.path disables invocation history.
package config
