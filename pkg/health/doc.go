/*
Package health checks the external dependencies of a Burrow node.

A Checker probes one dependency and returns a Result. TCPChecker dials an
address, which is how the agent watches its etcd endpoints. GRPCChecker calls
the standard grpc.health.v1 service, which both the node manager and the
object manager serve on their ports.

Monitor runs each checker on its own goroutine every Config.Interval. A
dependency turns unhealthy only after Config.Retries consecutive failures and
recovers on the first success. Every result is published through a Reporter,
by default metrics.UpdateComponent, so it shows up on /health.

	mon := health.NewMonitor(health.DefaultConfig(), nil)
	defer mon.Stop()
	mon.Add("etcd:etcd-0:2379", health.NewTCPChecker("etcd-0:2379"))
	mon.Add("node_manager_rpc", health.NewGRPCChecker("127.0.0.1:7001", nodemanager.HealthServiceName))
*/
package health
