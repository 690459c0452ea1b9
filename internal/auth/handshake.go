// ABOUTME: Bearer credential extraction from a connection handshake
// ABOUTME: Checks query parameter, auth payload and Authorization header in that order

package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// Source names where a credential was found.
type Source string

// Credential sources, in priority order.
const (
	SourceQuery   Source = "query"
	SourcePayload Source = "auth_payload"
	SourceHeader  Source = "header"
	SourceNone    Source = ""
)

// Handshake carries the credential locations of an inbound connection.
type Handshake struct {
	Query url.Values
	// AuthToken is the "token" field of the client's auth payload.
	AuthToken  string
	Header     http.Header
	RemoteAddr string
}

// HandshakeFromRequest builds a Handshake from an upgrade request. The auth
// payload is not part of the request and is filled in by the transport.
func HandshakeFromRequest(r *http.Request) Handshake {
	return Handshake{
		Query:      r.URL.Query(),
		Header:     r.Header,
		RemoteAddr: r.RemoteAddr,
	}
}

// ExtractToken returns the first non-empty credential in priority order:
// query parameter "token", auth payload token, then "Authorization: Bearer".
func ExtractToken(h Handshake) (string, Source) {
	if tok := strings.TrimSpace(h.Query.Get("token")); tok != "" {
		return tok, SourceQuery
	}
	if tok := strings.TrimSpace(h.AuthToken); tok != "" {
		return tok, SourcePayload
	}
	if tok, errMsg := extractBearerToken(h.Header.Get("Authorization")); errMsg == "" {
		return tok, SourceHeader
	}
	return "", SourceNone
}

// HasRequestCredential reports whether the query or header already carries
// a credential, so the transport need not wait for an auth payload.
func HasRequestCredential(h Handshake) bool {
	probe := h
	probe.AuthToken = ""
	_, src := ExtractToken(probe)
	return src != SourceNone
}
