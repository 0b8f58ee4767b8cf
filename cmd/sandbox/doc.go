// Package main is the sandbox command.
//
// Commands:
//   - run: analyse one sample against an origin and publish its record
//   - serve: consume files-for-analysis from the broker and expose /health
//     and /metrics
//   - batch: analyse every matching file under a directory
//
// Configuration:
//   - <config-dir>/broker.yaml and <config-dir>/sandbox.toml
//   - Environment variables (override files)
//   - CLI flags
//
// Usage:
//
//	./sandbox run sample.js https://bait.example/ ./config ana-123
//	./sandbox run -stdout -sample sample.js -origin https://bait.example/
//	./sandbox serve -config ./config
//	./sandbox batch -pattern '**/*.js' -stdout ./samples
//
// Exit status is 0 on success, 1 when the analysis failed and 2 when the
// run could not start.
package main
