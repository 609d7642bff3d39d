// Package plume is a lightweight multi-transport service layer for Go.
//
// A service is any value implementing a subset of the fixed capability set
// (find, get, create, update, patch, remove); plume wraps it once, registers
// it under a normalized path, and makes it reachable over every configured
// transport bridge through a single dispatch pipeline. Successful mutating
// calls emit lifecycle events (created, updated, patched, removed) that
// listeners, socket connections, and cross-node relays observe in real time.
//
// The core pieces:
//
//   - Application: the container. Register services with Use, attach
//     transport bridges with Configure, mount sub-applications with Mount,
//     and start serving with Listen or Run.
//   - WrappedService: the uniform face of a registered service. Exposes the
//     full capability set (unsupported methods fail with
//     ErrMethodNotSupported), an event API, and a generic Dispatch.
//   - PathRegistry: normalized path to service lookup, shared by every
//     transport.
//   - Emitter: per-service event fan-out with snapshot delivery semantics.
//
// Transport bridges and service adapters live in the modules subpackages;
// the root package stays transport-agnostic.
package plume
