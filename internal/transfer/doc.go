// Package transfer runs download and upload sessions.
//
// A Coordinator owns every session's state machine:
//
//	Idle -> Downloading -> Extracting -> Completed
//	Idle -> Uploading -> Completed
//	Downloading | Extracting | Uploading -> Cancelling -> Idle
//	Downloading | Extracting | Uploading -> Error
//
// Starting a session reserves its resource key, local path and object in a
// Registry, so a second start for any of them fails with
// domain.ErrAlreadyInProgress instead of queueing. Downloads consult the
// resume store first and continue from the recorded offset when the remote
// identity still matches; a mismatch found mid-flight restarts the download
// from zero. Uploads are delegated to the uploader engine.
//
// Cancel only sets the session's CancelToken and returns. The engine winds
// down at its next checkpoint and the session settles in Idle. An engine
// error that arrives while cancelling is reported as a cancellation.
//
// Progress is collected by a progress.Aggregator per session and forwarded
// to an events.Sink together with state changes and a single terminal event.
package transfer
