// Package config provides layered configuration for the sandbox.
//
// Layers, later ones win:
//  1. Default()
//  2. Files in the config directory given on the command line:
//     broker.yaml (queue connection and subjects) and sandbox.toml
//     (execution host and drain tuning). Both are optional.
//  3. Environment variables
//
// Example broker.yaml:
//
//	connection:
//	  host: nats
//	  port: 4222
//	  username: ruser
//	  password: rpassword
//	queues:
//	  files_for_analysis:
//	    name: malsmug.files_for_analysis
//	  sandbox_iocs:
//	    name: malsmug.sandbox_iocs
//
// Example sandbox.toml:
//
//	network_enabled = false
//	eval_timeout_ms = 20000
//
//	[drain]
//	ceiling_ms = 15000
//	buffer_ms = 1000
//
//	[suspicious]
//	extra_mime_types = ["application/x-ms-shortcut"]
//
// Environment Variables:
//   - SANDBOX_USER_AGENT, SANDBOX_NETWORK, SANDBOX_EVAL_TIMEOUT, SANDBOX_REQUEST_TIMEOUT
//   - SANDBOX_RPS, SANDBOX_MAX_RESPONSE_BYTES, SANDBOX_MAX_SESSIONS
//   - SANDBOX_PAGE_CACHE_SIZE, SANDBOX_PAGE_CACHE_TTL, SANDBOX_SUSPICIOUS_MIME
//   - DRAIN_CEILING, DRAIN_BUFFER, REMOVE_SAMPLE
//   - BROKER_URL, BROKER_RESULTS_SUBJECT, BROKER_FILES_SUBJECT, BROKER_QUEUE_GROUP
//   - BROKER_CONNECT_TIMEOUT, BROKER_COMPRESS_THRESHOLD
//   - SAMPLES_DIR, BAIT_WEBSITE, CONSUMER_CONCURRENCY, METRICS_ADDR
//   - LOG_LEVEL, LOG_DEV
package config
