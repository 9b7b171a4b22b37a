// Package config defines configuration structures for the htsfetch CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (HTSFETCH_ prefix)
//   - YAML configuration file
//
// Flags override the environment, which overrides the file, which
// overrides Default.
//
// # Example
//
//	endpoint: https://htsget.example.org/tickets/files/
//	dataset_id: EGAF00001234567
//	format: CRAM
//	region: chr20:1000000-2000000
//	output: out.cram
//	buffer_size: 4MiB
//	retries: 5
//	token: file:///home/me/.htsget-token
//	retry:
//	  resolve_backoff: 5s
//
// Secrets (token, basic_auth) may be given as file://<path>, in which case
// the first line of the file is used.
package config
