// Package frontend is the exchange front-end node.
//
// Ownership boundary:
// - the HTTP API clients submit and upload through
// - the admin endpoint the controller pushes session changes to
// - the controller link, its heartbeat and eviction notices
// - the idle sweep and controller-loss teardown of local sessions
//
// Session state itself lives in the registry package; this package decides
// when it is created and destroyed.
package frontend
