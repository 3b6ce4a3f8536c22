// Package uploader sends local files to an object store.
//
// Files smaller than Options.MultipartThreshold go up in a single put. Larger
// files are split into fixed-size parts that are uploaded with bounded
// concurrency and committed in part-number order. Any failure or
// cancellation aborts the multipart upload, and the abort is verified by
// listing the parts the backend still holds.
//
//	e := uploader.New(store, uploader.DefaultOptions())
//	res, err := e.Upload(ctx, uploader.Job{
//		LocalPath: "/data/video.mp4",
//		Object:    objstore.Object{Bucket: "media", Key: "video.mp4"},
//	}, func(loaded, total int64) {
//		fmt.Printf("%d/%d\n", loaded, total)
//	})
package uploader
