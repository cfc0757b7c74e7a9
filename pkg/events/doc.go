/*
Package events provides the in-memory broker ferry uses for control plane
notifications.

The shipping service never calls the rest of the control plane directly.
It publishes fire-and-forget events, and whoever cares (the dispatcher that
re-arms schedules, the CLI, tests) subscribes:

	┌──────────────┐  Publish   ┌──────────────────────┐
	│ shipping     │───────────►│ Broker               │
	│ backup sched │            │ eventCh (buffer 100) │
	└──────────────┘            └──────────┬───────────┘
	                                       │ broadcast
	                      ┌────────────────┼────────────────┐
	                      ▼                ▼                ▼
	                 dispatcher        CLI watch          tests

# Event Types

  - shipment.upload_id: a volume upload got a resumption token
  - shipment.finished: aggregate verdict plus the ports the shipment used
  - shipment.port_conflict: the ports that were already in use, no verdict
  - backup.scheduled: a scheduled backup was started
  - schedule.removed, snapshot.deleted: bookkeeping notifications

Shipment events carry a *Shipment with resource, snapshot and remote names.

# Delivery

Publish blocks only while the broker's own buffer is full. Delivery to a
subscriber never blocks: when a subscriber's buffer is full the event is
dropped for that subscriber and counted in ferry_events_dropped_total.
Subscribers that must not lose verdicts use SubscribeBuffered with a larger
buffer.

Stop closes every subscription, so a consumer ranging over its channel
learns about shutdown by the channel closing:

	sub := broker.SubscribeBuffered(1024)
	for ev := range sub {
		handle(ev)
	}
	// broker stopped
*/
package events
