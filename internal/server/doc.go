// Package server hosts the Fiber HTTP service and its middleware chain:
// request ids, panic recovery, access logging, and JSON error rendering.
// Handlers live in the routes subpackage and are attached by the binary after
// NewApp returns, so this package stays free of mirror/source imports.
package server
