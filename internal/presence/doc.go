// Package presence mirrors which users are connected into Redis so other
// services can ask whether a user is online without talking to the gateway.
//
// Each connected user has a key <prefix><userID> holding the gateway
// instance id, written when the user's first connection arrives and deleted
// when the last one leaves. Keys carry a TTL and are refreshed while the user
// stays connected, so a crashed gateway's entries expire on their own.
package presence
