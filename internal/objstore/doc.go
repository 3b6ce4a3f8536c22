// Package objstore defines the object storage operations the upload engine
// needs: single-shot put and the multipart upload protocol.
//
// Backends live in subpackages:
//
//   - blobstore: any gocloud.dev/blob bucket (file, mem, s3, gcs). Parts are
//     staged as objects next to the destination and composed on complete.
//   - miniostore: native multipart through minio-go.
//   - s3store: native multipart through aws-sdk-go-v2.
package objstore
