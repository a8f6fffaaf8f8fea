// Package lock arbitrates named resources between instances with optimistic,
// time-bounded leases.
//
// A Manager holds one instance's view of who leases what. It never waits on
// peers: acquisition succeeds locally and is announced afterwards, so two
// instances racing inside one broadcast round trip may both succeed. Observe
// resolves such races deterministically once the notices cross, and expiry
// bounds any leftover double ownership to one lease window.
//
// A Manager is not safe for concurrent use; the coordinator serializes it.
package lock
