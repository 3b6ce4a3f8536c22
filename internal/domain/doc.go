// Package domain holds the types shared by the transfer engines, the
// coordinator and the outer adapters (API, CLI, event sinks).
//
// Nothing in this package performs I/O. It defines:
//   - session direction and state
//   - progress samples and the derived Snapshot handed to display layers
//   - upload part bookkeeping
//   - the error taxonomy used across the engines
package domain
