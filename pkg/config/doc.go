// Package config loads and validates the tap configuration.
//
// The file may be YAML or JSON (a Singer config.json is valid YAML). Salesforce
// credentials and stream options sit at the top level; operational settings
// are grouped into sections:
//
//   - engine: batch size, worker count, fail-fast, run timeout, stream order
//   - reliability: retry budget, backoff, request timeout, rate limiting
//   - state: checkpoint backend (memory, file, s3, gcs, postgres)
//   - change_log: Kafka brokers and topic for the order_changes stream
//   - observability: log level, metrics address, tracing
//
// # Environment Variable Substitution
//
//	client_id: ${SFCC_CLIENT_ID}
//	client_secret: ${SFCC_CLIENT_SECRET}
//	state:
//	  backend: ${STATE_BACKEND:-file}
//	  path: ./state.json
//
// Load substitutes references before parsing. Unset variables expand to the
// empty string unless a :- default is given.
package config
