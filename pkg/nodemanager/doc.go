// Package nodemanager consumes the messages of local workers and the object
// events of the local store.
//
// A NodeManager owns the object manager (and through it the store and the
// object directory) and the spill store. Everything it keeps about workers and
// objects belongs to the control loop: methods that read or change that state
// take an eventloop.Token. GetObjectsFromStore and the LocalObjectManager's
// lookup methods are the exceptions, they are safe from any goroutine.
package nodemanager
