// Package miniostore implements objstore.Store against minio or any S3
// compatible endpoint using minio-go's Core multipart calls.
package miniostore
