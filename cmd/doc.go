// Package cmd implements the command-line interface of tKV. The engine runs
// in-process, so every command works on its own in-memory database.
//
// The package is organized into several subpackages:
//
//   - exec: Runs a script of engine commands (indices, transactions, reads, writes, locks, save and load)
//   - perf: Concurrent workloads reporting throughput, latency percentiles and conflict rates
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Flags can also be set via environment variables with the prefix TKV_ (e.g. TKV_LOG_LEVEL=debug),
// values in .env and .env.local are loaded first.
//
// See tkv -help for a list of all commands.
package cmd
