/*
Package dispatch turns fired backup definitions into shipments.

For every fired definition the Dispatcher creates the snapshot record,
renders the per volume transfer commands from text templates and registers
one volume request per volume with the shipping service. Incremental
backups build on the latest snapshot shipped to the same remote; without
one the backup is shipped in full.

Cluster remotes stream peer-to-peer. Ports come from a network.PortPool and
belong to one attempt. When a receiver is configured the Dispatcher
registers the receiving side first and only sends once it listens:

	allocate ports ──► receiver listens ──► sender streams
	      ▲                                       │
	      └──── conflict: quarantine, re-issue ◄──┘

The verdict of a shipment arrives as an event on the broker. Success
applies the KeepLocal retention of the schedule; failure removes the
snapshot. Either way the outcome is reported to the backup schedule service
which re-arms the definition. When the event stream closes every shipment is
killed, as nobody would learn about its outcome.

Restore downloads a backup from an S3 remote together with every backup it
builds on, oldest first.
*/
package dispatch
