// Package cache provides the cache backends a stampede guard reads through:
// an in-process LRU with expiry, ristretto, Redis, and a wrapper that turns
// backend failures into misses.
package cache
