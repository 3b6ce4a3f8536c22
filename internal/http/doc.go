// Package http provides an HTTP client for large, resumable file downloads.
//
// This package handles:
//   - Connection pooling
//   - HEAD requests to get file metadata (size, ETag, range support)
//   - Open-ended range requests ("bytes=N-") guarded by If-Range, using the
//     ETag or, for servers without one, the Last-Modified date
//   - Retry with exponential backoff for HEAD requests; GetFrom makes one
//     request and leaves retrying to the caller, which uses Backoff
//
// Transport failures and 5xx responses are returned as *domain.NetworkError.
// 4xx responses are returned immediately as ErrNotFound, ErrForbidden,
// ErrUnauthorized or a generic status error.
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	info, err := client.Head(ctx, url)
//	// info.Size, info.ETag, info.AcceptsRanges
//
//	resp, err := client.GetFrom(ctx, url, 400_000, info.Identity())
//	defer resp.Body.Close()
//	if !resp.Partial {
//	    // remote changed or ranges unsupported: body starts at byte 0
//	}
package http
