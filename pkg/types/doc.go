// Package types defines the identifiers and records shared by Burrow
// components: node, worker, object and job ids, the NodeInfo self descriptor
// and the object failure classifications.
package types
