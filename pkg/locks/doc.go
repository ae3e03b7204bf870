// Package locks provides module execution lock backends.
//
// MemoryLocker serves single-process deployments and tests. RedisLocker
// shares locks between replicas using SET NX with an expiry and an
// owner-checked release, so a replica that lost its lock cannot clear
// another run's lock.
package locks
