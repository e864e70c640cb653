// Package lock provides a distributed mutex over a shared key-value store
// with three acquisition strategies.
//
// StrategyNaive sets the key if absent and deletes it unconditionally on
// release. It is kept to demonstrate the false-release defect: a holder
// whose TTL lapsed deletes the lock of the next holder.
//
// StrategyToken stores a fresh owner token and releases with an atomic
// compare-and-delete, so a stale holder can never remove a lock it no
// longer owns.
//
// StrategyLeased blocks up to a wait timeout, waking on syncbus unlock
// notifications or a retry ticker. Leases are reentrant for the holder
// carried in the context and can be kept alive by a watchdog.
package lock
