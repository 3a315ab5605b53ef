// Package mirror is the repository-level owner of sources. A Group holds
// every configured Source by name (sources keep no reference back to the
// group), syncs them in parallel, and builds cross-source views such as the
// merged latest-spec list and the Bundler-style dependency listing.
package mirror
