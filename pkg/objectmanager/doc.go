// Package objectmanager resolves object pulls for the local node.
//
// The ObjectManager owns the local object store and the object directory. It
// reaches back into the node agent only through Callbacks, which it invokes
// from its own goroutines and from the store goroutine.
package objectmanager
