// Package cloud is the client for the remote optimization API.
//
// Files are submitted as multipart uploads and come back as JSON with the
// optimized bytes (and an optional WebP derivative) base64 encoded. Requests
// go out over https first; transport failures are retried with exponential
// backoff and, when allowed, repeated over plain http. An exhausted quota is
// reported as StatusExceededQuota, never retried.
package cloud
