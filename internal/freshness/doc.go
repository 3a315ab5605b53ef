// Package freshness decides whether a cached index may still be served.
//
// The check has two tiers: a time-only gate that trusts the cache for TTL
// after the last check without touching the network, and a HEAD probe whose
// comparison headers (ETag, Last-Modified, Content-Length) are matched
// against the values recorded at the previous fetch.
package freshness
