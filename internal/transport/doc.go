// Package transport performs the HTTP(S) calls a gem source needs. It owns the
// shared upstream client (pooled connections, configured timeout) and follows
// redirects itself so every hop is counted against an explicit budget instead
// of net/http's built-in policy. Non-success terminal statuses surface as
// *UpstreamError; transient network errors are returned as-is, never retried.
package transport
