// Package gcs is the node agent's view of the cluster metadata service.
//
// The node table lives in etcd under /burrow/nodes/. A registered node's
// record is attached to a lease kept alive by the agent, so a crashed agent
// disappears once the lease expires. A graceful unregistration rewrites the
// record as DEAD with the reason attached and then revokes the lease.
package gcs
