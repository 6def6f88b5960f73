// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.Database interface.
//
// The package contains:
//   - testing: A conformance suite covering registry, read and write semantics,
//     snapshot isolation, conflict detection, cursors, persistence and GC
//   - benchmark: Performance tests for point operations, commits, scans and mixed workloads
//
// Features an implementation does not support (see db.Feature) are skipped.
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() db.Database {
//		return NewMyDatabase()
//	}
//
//	// Running the standard test suite
//	testing.RunDatabaseTests(t, "MyDatabase", factory)
//
//	// Running performance benchmarks
//	testing.RunDatabaseBenchmarks(b, "MyDatabase", factory)
package testing
