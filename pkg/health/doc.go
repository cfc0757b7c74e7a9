/*
Package health probes the reachability of remotes.

The Monitor runs as a recurring scheduler unit. Each run starts a
background round that sends HEAD requests to the endpoints of all S3
remotes at once, derived from their endpoint or region, and records the
outcomes in a per remote Status:

	probe ──► Status.Update ──► report("remote/<name>", healthy, message)

Any HTTP response below 500 counts as reachable, since anonymous requests
to object stores are usually answered with 403. A remote turns unhealthy
after Config.Retries consecutive failed probes and healthy again with the
next success. Failures during Config.StartPeriod are not counted.

Reports go to the component registry of package metrics by default, which
makes unreachable remotes show up as degraded on the /health endpoint of
ferry run. Deleted remotes are removed from the registry.
Cluster remotes only listen while a shipment is in flight and are not
probed.
*/
package health
