// Package util provides building blocks shared by storage engines and the
// notification machinery.
//
// The package contains:
//   - lockfreempsc: A lock-free Multi-Producer Single-Consumer queue. Committing writers
//     push GC events and version notifications without blocking on the consumer
//   - mapheap: A keyed min-heap, used as the registry of open snapshots
//   - statistics: Summary and distribution statistics for GetInfo reports
//   - functions: Hash functions and replica id derivation
package util
