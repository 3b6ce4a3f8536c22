// Package blobstore implements objstore.Store on gocloud.dev/blob buckets.
//
// Buckets are opened lazily by name through an Opener, typically a URL
// template:
//
//	store := blobstore.New(blobstore.URLOpener("file:///srv/buckets/{bucket}"))
//	defer store.Close()
//
// # Multipart Layout
//
// A multipart upload for key "images/disk.raw" with id U stages its parts as
//
//	images/disk.raw.uploads/U/upload.json   (content type, creation time)
//	images/disk.raw.uploads/U/part-00001
//	images/disk.raw.uploads/U/part-00002
//	...
//
// Complete streams the parts in order into the destination object and then
// deletes the staging objects. Abort deletes them without composing.
package blobstore
