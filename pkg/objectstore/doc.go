// Package objectstore holds sealed objects in memory for the local node.
//
// The store runs on its own goroutine; callbacks registered at construction
// fire on that goroutine, never on the caller's.
package objectstore
