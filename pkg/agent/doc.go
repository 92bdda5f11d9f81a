/*
Package agent implements the Burrow node agent boundary.

The agent is the piece of a Burrow node that faces outward. It builds the
node's identity, registers it with the cluster metadata service, accepts
local worker connections on a unix socket, and bridges callbacks from the
object manager's goroutines onto the single control loop.

# Architecture

	┌──────────────────────── NODE AGENT ─────────────────────────┐
	│                                                               │
	│   local socket            control loop          etcd (GCS)   │
	│  ┌────────────┐   post   ┌──────────────┐      ┌──────────┐  │
	│  │  acceptor  ├─────────►│ node manager │      │  nodes/  │  │
	│  └────────────┘          │   handlers   │◄─────┤  watch   │  │
	│                          └──────▲───────┘      └────▲─────┘  │
	│  ┌────────────┐   post          │                   │        │
	│  │   bridge   ├─────────────────┘            RegisterSelf    │
	│  └─────▲──────┘                                     │        │
	│        │ callbacks                           ┌──────┴─────┐  │
	│  ┌─────┴──────────┐                          │ descriptor │  │
	│  │ object manager │                          └────────────┘  │
	│  └────────────────┘                                          │
	└───────────────────────────────────────────────────────────────┘

# Lifecycle

New builds the node manager and object manager through a NodeManagerBuilder,
handing them the bridge, then derives the NodeInfo descriptor from the
configured ports and the cloud metadata environment variables.

Start registers the descriptor and waits for the metadata service to confirm
it. Only after a successful registration does the agent subscribe the node
manager to cluster state and begin accepting connections. A failed
registration is returned to the caller, which is expected to exit.

Stop is idempotent. It stops the node manager, closes the listener and lets
the pending accept observe net.ErrClosed. UnregisterSelf may be called from
any goroutine, typically from a signal handler before Stop.

# Accept loop

Exactly one Accept is outstanding at a time. Each accepted socket is wrapped
in a transport.Connection whose messages and errors are posted to the loop,
then the next Accept is issued. Transient accept errors are logged, counted
in burrow_accept_errors_total and retried.

# Bridge

Callbacks that mutate control loop state (spill, store full, add, delete,
failed pulls) post a task and return immediately. Restore, spilled URL
lookup and pinning run inline because their targets are safe for concurrent
use. SpillObjects returns whether a spill is already in progress.
*/
package agent
