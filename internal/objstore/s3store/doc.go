// Package s3store implements objstore.Store on Amazon S3 with
// aws-sdk-go-v2. The client is reached through the narrow API interface so
// tests can substitute a fake.
package s3store
