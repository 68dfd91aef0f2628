// Package auth validates the access tokens presented to the notification
// service. Tokens are issued by the platform's identity service; this
// package only shares its signing key and claim layout.
package auth

// RoleService is carried by tokens of backend collaborators that call the
// internal endpoints (change ingestion, push feedback).
const RoleService = "service"

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
}
