/*
Package storage provides BoltDB-backed persistence for ferry's control plane
state.

Everything the backup schedule service rebuilds at start-up lives here:
schedules, remotes, nodes, resource groups and definitions with their
properties, controller properties, snapshots taken for shipping and the
manifests of finished shipments. Scheduler state itself is never persisted;
it is derived from these records when the services initialize.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                           │
	│  BoltStore  (<dataDir>/ferry.db)                          │
	│      │                                                    │
	│      ▼                                                    │
	│  ┌──────────────────────────────────────────┐            │
	│  │ schedules             (schedule name)     │            │
	│  │ remotes               (remote name)       │            │
	│  │ nodes                 (node name)         │            │
	│  │ resource_groups       (group name)        │            │
	│  │ resource_definitions  (resource name)     │            │
	│  │ controller            ("props")           │            │
	│  │ snapshots             (rsc/snapshot)      │            │
	│  │ manifests             (remote/key)        │            │
	│  └──────────────────────────────────────────┘            │
	│      │                                                    │
	│      ▼                                                    │
	│  JSON records (json-iterator, stdlib compatible)          │
	└───────────────────────────────────────────────────────────┘

Create and Update are upserts. Lookups of missing records return an error
wrapping ErrNotFound:

	rd, err := store.GetResourceDefinition("db")
	if errors.Is(err, storage.ErrNotFound) {
		...
	}

# Property cleanup

Deleting a schedule or remote leaves "Schedule/<remote>/<schedule>/..."
properties behind on every resource definition, group and the controller.
DeleteProps removes them in a single write transaction:

	prefix := props.ScheduleNamespace(remote, schedule) + "/"
	err := store.DeleteProps(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
*/
package storage
