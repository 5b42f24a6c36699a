// Package lock hosts the Lock Manager implementations.
//
// Each key maps to a random owner token with a TTL. Acquire is a single
// compare-and-set, Release only deletes the key while the caller's token still
// owns it, and the TTL bounds how long a crashed owner can block others.
package lock
