// Package redis connects to Redis with retries and provides Locker, a
// short-lived exclusive lock used to keep concurrent duplicate webhook
// deliveries from processing the same event at the same time.
//
// Locks are SET NX with a TTL and are released with a compare-and-delete
// script, so a holder whose TTL expired can never delete a lock that was
// acquired by someone else afterwards.
package redis
