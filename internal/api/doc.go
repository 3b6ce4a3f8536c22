// Package api exposes a transfer.Coordinator over HTTP.
//
// Routes, all under /api/v1:
//
//	POST   /downloads                      start a download (202, or 409 when one is running)
//	GET    /downloads/resumable?url=&local_path=
//	POST   /uploads                        start an upload
//	DELETE /uploads/{sessionID}            cancel an upload
//	GET    /sessions                       in-flight sessions
//	GET    /sessions/{sessionID}           one session, also shortly after it finished
//	DELETE /sessions/{sessionID}           cancel any session
//	DELETE /owners/{owner}/sessions        cancel every session of an owner
//	GET    /sessions/{sessionID}/events    progress as server-sent events
//
// Starting a transfer returns as soon as the session exists. Progress and the
// outcome are observed through the event stream, by polling the session, or
// through the coordinator's event sink.
package api
