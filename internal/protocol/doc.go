// Package protocol defines the websocket wire format shared by the gateway
// and its publishers.
//
// Every frame in either direction is a JSON text message:
//
//	{"event": "<name>", "data": <payload>}
//
// Event names and payload field names are part of the client contract and
// are pinned by the tests in internal/contract.
package protocol
