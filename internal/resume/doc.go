// Package resume tracks partially downloaded files so an interrupted
// download can continue where it stopped.
//
// Each record describes one (resource key, local path) pair: how many bytes of
// the local file are durably written and which remote identity (size, ETag)
// they were fetched from. Records live in any gocloud.dev/blob bucket; the CLI
// uses fileblob so they survive process restarts.
//
// # Storage Layout
//
//	{bucket}/records/{sha256(key, path)[:32]}.json
//
// # Record Format
//
//	{
//	  "resource_key": "builds/1.4.2",
//	  "local_path": "/home/me/Downloads/build-1.4.2.zip",
//	  "downloaded_bytes": 400000,
//	  "remote": {"size": 1000000, "etag": "5f1c..."},
//	  "started_at": "2026-01-15T10:30:00Z",
//	  "updated_at": "2026-01-15T10:31:12Z"
//	}
//
// # Validity
//
// [Store.Check] returns a record only while the remote identity still matches
// and the local file holds at least the recorded bytes. Anything else is stale:
// the record is deleted and the caller starts a fresh download.
package resume
