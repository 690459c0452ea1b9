// Package ratelimit implements a fixed-window per-connection event limiter
// with a periodic sweep that reclaims entries of dead or idle connections.
package ratelimit
