// Package auth issues and verifies session-bound JWTs and implements the
// register, login, refresh, and logout flows.
package auth
