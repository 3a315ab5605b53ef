// Package source implements the per-origin façade: it owns one upstream
// origin, decides between reusing the cached index and refetching it, and
// exposes the query views (latest specs, search, individual gemspecs).
//
// Every query runs EnsureFresh first. Concurrent refreshes of one Source are
// collapsed so a second reader observes the first reader's fetch.
package source
