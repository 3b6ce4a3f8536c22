// Package config defines configuration structures for the shuttle CLI and
// server.
//
// Configuration is layered, later layers winning:
//   - Default()
//   - YAML configuration file (LoadFromFile)
//   - Environment variables with the SHUTTLE_ prefix (LoadFromEnv)
//   - Command-line flags (Merge)
//
// Byte sizes accept human strings ("16MiB", "10MB") and durations use Go
// syntax ("500ms", "30s").
//
// # Example
//
//	state_url: file:///var/lib/shuttle/state
//	download:
//	  flush_interval: 8MiB
//	  rate_limit: 0
//	  retry:
//	    attempts: 5
//	    backoff: 1s
//	upload:
//	  backend: minio
//	  endpoint: localhost:9000
//	  part_size: 8MiB
//	  cancel_single_put: true
//	events:
//	  nats_url: nats://localhost:4222
//	log:
//	  level: info
//	  format: json
//
// The same keys map to environment variables by joining the path with
// underscores: SHUTTLE_UPLOAD_PART_SIZE, SHUTTLE_DOWNLOAD_RETRY_ATTEMPTS.
package config
