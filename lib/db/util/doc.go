// Package util provides building blocks for storage engines implementing the
// db.Database interface.
//
// The package contains:
//   - functions: Seeded FNV-1a hashing for keys
//   - mapheap: A min-heap with key-based access, used to track pinned snapshots
//   - lockfreempsc: A lock-free Multi-Producer Single-Consumer queue, used to hand
//     commit events to the garbage collector
//   - statistics: A size histogram and distribution statistics reported by GetInfo
//
// None of the components depend on a particular engine.
package util
