// Package room resolves logical destinations to live connections.
//
// Every session belongs to user:{id}, role:{role} and, when it has one,
// org:{id}. Roles listed in the Policy for an administrative channel also
// join admin:{channel}. Router computes these memberships and delivers
// events to users, roles, organizations, channels or everyone.
package room
