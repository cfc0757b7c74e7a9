package types

import (
	"fmt"
	"time"
)

// Schedule is a named backup cadence made of a full and an optional
// incremental cron expression.
type Schedule struct {
	Name       string
	FullCron   string
	IncCron    string // empty disables incremental backups
	KeepLocal  int    // snapshots kept locally, 0 keeps all
	KeepRemote int    // backups kept on the remote, 0 keeps all
	OnFailure  OnFailure
	MaxRetries int // only meaningful with OnFailureRetry, 0 retries forever
	Location   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OnFailure defines what a schedule does after a failed shipment
type OnFailure string

const (
	OnFailureSkip  OnFailure = "SKIP"
	OnFailureRetry OnFailure = "RETRY"
)

// Valid reports whether f is a known failure policy
func (f OnFailure) Valid() bool {
	return f == OnFailureSkip || f == OnFailureRetry
}

// RemoteType identifies the kind of shipping target
type RemoteType string

const (
	// RemoteTypeS3 ships to an S3 compatible object store
	RemoteTypeS3 RemoteType = "s3"
	// RemoteTypeCluster streams peer-to-peer into another cluster
	RemoteTypeCluster RemoteType = "cluster"
)

// Remote is a named shipping target
type Remote struct {
	Name string
	Type RemoteType

	// S3 remotes
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    []byte // sealed with the master passphrase
	UsePathStyle bool

	// Cluster remotes
	Address string // receiving host as seen from the sender

	CreatedAt time.Time
}

// Node is a storage node able to run transfer pipelines
type Node struct {
	Name    string
	Address string
}

// Placement places a resource on a node
type Placement struct {
	Node     string
	Diskless bool
}

// VolumeDefinition describes one volume of a resource
type VolumeDefinition struct {
	Number     int
	SizeKiB    int64
	DevicePath string // block device on the nodes, e.g. /dev/drbd1000
}

// ResourceGroup carries properties shared by resource definitions
type ResourceGroup struct {
	Name  string
	Props Props
}

// ResourceDefinition is a replicated resource with one or more volumes
type ResourceDefinition struct {
	Name       string
	Group      string
	Suffix     string // appended to the resource name in backup names
	Volumes    []VolumeDefinition
	Placements []Placement
	Props      Props
	CreatedAt  time.Time
}

// DiskfulNodes returns the nodes holding data of the resource
func (r *ResourceDefinition) DiskfulNodes() []string {
	var nodes []string
	for _, p := range r.Placements {
		if !p.Diskless {
			nodes = append(nodes, p.Node)
		}
	}
	return nodes
}

// HasDiskfulNode reports whether node holds data of the resource
func (r *ResourceDefinition) HasDiskfulNode(node string) bool {
	for _, p := range r.Placements {
		if p.Node == node && !p.Diskless {
			return true
		}
	}
	return false
}

// Snapshot is a point-in-time copy of a resource taken for shipping
type Snapshot struct {
	Resource    string
	Name        string
	Remote      string
	Schedule    string
	Incremental bool
	CreatedAt   time.Time
}

// Key returns the identity of the snapshot
func (s *Snapshot) Key() string {
	return s.Resource + "/" + s.Name
}

// ManifestRecord is the stored copy of a shipment manifest
type ManifestRecord struct {
	Remote    string
	Key       string
	Data      []byte
	CreatedAt time.Time
}

// Props is a flat property map with slash separated namespaces
type Props map[string]string

// Get returns the value of key inside namespace ("" for the root)
func (p Props) Get(key, namespace string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p[JoinKey(namespace, key)]
	return v, ok
}

// Set stores value under key inside namespace
func (p Props) Set(key, namespace, value string) {
	p[JoinKey(namespace, key)] = value
}

// Remove deletes key inside namespace and reports whether it existed
func (p Props) Remove(key, namespace string) bool {
	full := JoinKey(namespace, key)
	_, ok := p[full]
	delete(p, full)
	return ok
}

// Namespace returns the keys below namespace, relative to it
func (p Props) Namespace(namespace string) map[string]string {
	prefix := namespace + "/"
	out := make(map[string]string)
	for k, v := range p {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = v
		}
	}
	return out
}

// JoinKey joins namespace and key with a slash
func JoinKey(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return namespace + "/" + key
}

// BackupName returns the name of the backup object of one volume
func BackupName(rsc, suffix string, volNr int, snapshot string) string {
	return fmt.Sprintf("%s%s_%05d_%s", rsc, suffix, volNr, snapshot)
}

// SnapshotName returns the name of a backup snapshot taken at t
func SnapshotName(t time.Time) string {
	return "back_" + t.UTC().Format("20060102_150405")
}
