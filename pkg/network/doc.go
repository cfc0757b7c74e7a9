/*
Package network manages the TCP ports used by stream shipments.

Shipping to a cluster remote runs one socat listener per volume on the
receiving side. The PortPool reserves those ports per shipment attempt so
that concurrent shipments never listen on the same port:

	pool := network.NewPortPool(network.PortRange{Min: 12000, Max: 12999}, 0, nil)
	ports, err := pool.Allocate(attemptID, len(volumes))
	...
	pool.Release(attemptID)

A listener can still fail with "Address already in use" when a process
outside ferry holds the port. The shipment then reports the conflicting
ports; they are quarantined and the shipment is retried with ports from the
rest of the range.

Allocation walks the range round-robin, so a released port is handed out
again only after the rest of the range was used.
*/
package network
