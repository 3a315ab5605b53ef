// Package marshal reads and writes the Ruby Marshal 4.8 format that gem
// origins use for specs.4.8.gz and quick/Marshal.4.8/*.gemspec.rz.
//
// Only the data model is reproduced: Ruby strings decode to Go strings,
// symbols to Symbol, arrays to []any, and objects to the small set of
// structural types in this package. No Ruby classes are instantiated; callers
// interpret Object/UserMarshal/UserDefined values by class name.
package marshal
