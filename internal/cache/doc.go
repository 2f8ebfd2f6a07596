// Package cache implements the content-addressed on-disk resource cache.
//
// Files live under <dir>/shard_NN/<prefix>_<md5(url)><ext>. Entries expire
// TTL after creation, can be swept by last access, and are evicted oldest
// access first down to half the size ceiling when the ceiling is exceeded.
// Write failures are reported to the caller but are never fatal: the
// caller keeps its own copy of the payload.
package cache
