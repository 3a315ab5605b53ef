// Package spec holds the in-memory model of a source's package metadata:
// (name, version, platform) tuples, RubyGems version ordering and
// requirements, the immutable Index with its latest-per-(name, platform)
// view, and decoding of individual gemspecs.
package spec
