/*
Package types defines the domain model shared by every ferry package.

The model is the subset of a storage cluster that backup shipping needs:
schedules, remotes, resource groups and definitions with their volumes and
placements, snapshots and stored shipment manifests. Every type is a plain
struct serialized as JSON by pkg/storage.

# Core Types

Scheduling:
  - Schedule: full and optional incremental cron expression, retry policy
  - OnFailure: SKIP or RETRY

Targets:
  - Remote: an S3 bucket or another cluster
  - RemoteType: s3 or cluster

Resources:
  - ResourceGroup: shared properties
  - ResourceDefinition: volumes, placements, properties
  - VolumeDefinition, Placement, Node

Shipping:
  - Snapshot: a snapshot taken for one shipment
  - ManifestRecord: the stored manifest of a finished shipment

# Properties

Props is a flat map whose keys use slash separated namespaces. Backup
shipping is enabled per remote and schedule pair:

	props.Set("Enabled", "Schedule/s3-eu/nightly", "true")
	v, ok := props.Get("Enabled", "Schedule/s3-eu/nightly")

Lookups that fall back from a resource definition to its group and to the
controller are done by pkg/props.

# Naming

Backup objects are named after resource, suffix, volume number and snapshot:

	types.BackupName("db", "", 0, "back_20240101_020000")
	// db_00000_back_20240101_020000
*/
package types
