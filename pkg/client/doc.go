/*
Package client is the worker side of the Burrow local socket protocol.

A worker process dials the node agent, registers, and then issues requests
over the same connection. Requests that expect a reply (Register,
AnnounceWorkerPort, Wait, Disconnect) are serialized and block until the
reply arrives or the context ends. Fire-and-forget messages (FetchOrReconstruct,
NotifyUnblocked, PushError, FreeObjects) return once the frame is written.

Messages the node pushes on its own, LocalGCRequest and
ObjectFailedNotification, are delivered on Notifications.

	c, err := client.Dial(ctx, "/tmp/burrow/node.sock", client.Options{})
	if err != nil {
		return err
	}
	nodeID, workerID, err := c.Register(ctx, client.RegisterOptions{
		WorkerType: types.WorkerTypeDriver,
		JobID:      "job-1",
	})
	...
	found, remaining, err := c.Wait(ctx, ids, 0)
	...
	return c.Disconnect(ctx, "INTENDED_USER_EXIT", "done")
*/
package client
