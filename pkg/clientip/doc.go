// Package clientip extracts the originating client's IP address from an
// *http.Request when the application runs behind one or more reverse
// proxies.
//
// The resolution algorithm examines several headers in descending
// priority until the first valid IP address is found:
//
//  1. CF-Connecting-IP – set by Cloudflare
//  2. X-Forwarded-For – comma-separated list (the first valid IP is used)
//  3. X-Real-IP – set by reverse proxies such as Nginx
//  4. RemoteAddr – TCP peer address as a fallback
//
// GetIP never returns an error. If no valid address is found an empty
// string is returned so callers can decide how to proceed.
//
// Middleware stores the resolved address in the request context so
// downstream handlers, such as rate limit key functions, can fetch it
// with GetIPFromContext without repeating the resolution.
package clientip
