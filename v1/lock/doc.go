// Package lock provides a mutual-exclusion lock whose state lives in a shared
// store, so independent processes can coordinate exclusive access to a named
// resource.
//
// A Coordinator claims a key by writing a fresh ownership token with a lease
// ttl through adapter.Primitives, retrying with jittered backoff until granted
// or until the context ends. Release deletes the key only if it still holds
// the caller's token, so a client whose lease silently expired can never
// remove the lease of the next holder.
//
// A Handle is only advisory evidence of exclusivity: once its lease expires
// the store may grant the key to someone else. Choose a lease long enough for
// the critical section, or keep it alive with Extend or KeepAlive while
// working.
//
// In fair mode waiters enroll in a store-side FIFO queue and the lease is
// granted to the head of that queue only. Ordering is FIFO among the waiters
// known to one store, never across independent stores.
package lock
