/*
Package shipping moves snapshot volumes to and from remotes.

A shipment is one snapshot of one resource travelling to (or from) one
remote. It is identified by a ShippingKey and consists of one transfer per
volume, each supervised by a Daemon. The Service groups the daemons of a
shipment in a ShippingInfo, starts them together and folds their outcomes
into a single verdict for the control plane.

# Lifecycle

	SendBackup / RestoreBackup        one call per volume
	        │                         (daemon created, not started)
	        ▼
	AllBackupPartsRegistered          every daemon started once,
	        │                         upload ids published
	        ▼
	post action per daemon ──► postShipping
	        │                         counts finished / succeeded,
	        │                         collects conflicting ports
	        ▼
	last volume finished ──► finalize
	        ├─ conflicts:  no verdict
	        └─ otherwise:  manifest (successful sends)
	        ▼
	daemons shut down, ShippingInfo removed
	        ▼
	EventShipmentConflict or EventShipmentFinished{Success, Ports}

A shipment is only forgotten when every registered volume reported. A port
conflict anywhere withholds the verdict; the caller retries the whole
shipment with other ports.

# Daemons

StreamDaemon runs a socat pipeline for cluster remotes. The receiving side
listens and watches its stderr for "listening on" (ready) and "Address
already in use" (conflict); it gives up when the listener is not ready
within the connection wait.

ObjectDaemon runs the backend command and an object store transfer side by
side in an errgroup. Sending starts a multipart upload whose id doubles as
resumption token; a failure on either side stops the other and aborts the
upload. Compression happens in the pipeline (zstd binary) or in process
(klauspost/compress), depending on Config.Compression.

Both call their post action exactly once, never on the goroutine calling
Start, Shutdown or SetPrepareAbort.

# Locking

Every operation on a shipment holds the lock of its key, so registration,
start, abort preparation and completion never interleave for the same
shipment while different shipments progress independently. The maps of
the service are guarded by a separate mutex that is never held while
calling into a daemon.

# Manifest

Successful sends produce a Manifest named {resource}_{snapshot}.meta. For
S3 remotes it is uploaded next to the volume objects, retried with
avast/retry-go; with a ManifestRecorder a copy is kept in the local store.
*/
package shipping
