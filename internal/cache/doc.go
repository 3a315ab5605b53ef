// Package cache is the persistence layer under StoragePath. It offers a
// locator-addressed file store with atomic writes (temp file + fsync +
// rename), the reversible origin naming used for cache files, and the
// versioned snapshot codec that stores a source's origin, validation
// headers and spec tuples.
package cache
