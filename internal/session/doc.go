// Package session keeps the registry of live connections and the per-user
// index over them. Queries return copies.
package session
