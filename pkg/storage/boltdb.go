package storage

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/ferry/pkg/types"
	jsoniter "github.com/json-iterator/go"
	bolt "go.etcd.io/bbolt"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Bucket names
	bucketSchedules      = []byte("schedules")
	bucketRemotes        = []byte("remotes")
	bucketNodes          = []byte("nodes")
	bucketResourceGroups = []byte("resource_groups")
	bucketResourceDefs   = []byte("resource_definitions")
	bucketController     = []byte("controller")
	bucketSnapshots      = []byte("snapshots")
	bucketManifests      = []byte("manifests")

	keyControllerProps = []byte("props")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ferry.db")

	// fail instead of blocking while another process holds the file lock
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSchedules,
			bucketRemotes,
			bucketNodes,
			bucketResourceGroups,
			bucketResourceDefs,
			bucketController,
			bucketSnapshots,
			bucketManifests,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucket, key, v)
	})
}

func (s *BoltStore) get(bucket []byte, key, kind string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %w: %s", kind, ErrNotFound, key)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func list[T any](s *BoltStore, bucket []byte, prefix string) ([]*T, error) {
	var out []*T
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			if len(prefix) > 0 && (len(k) < len(prefix) || string(k[:len(prefix)]) != prefix) {
				return nil
			}
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			out = append(out, &item)
			return nil
		})
	})
	return out, err
}

// Schedule operations
func (s *BoltStore) CreateSchedule(schedule *types.Schedule) error {
	return s.put(bucketSchedules, schedule.Name, schedule)
}

func (s *BoltStore) GetSchedule(name string) (*types.Schedule, error) {
	var schedule types.Schedule
	err := s.get(bucketSchedules, name, "schedule", &schedule)
	return &schedule, err
}

func (s *BoltStore) ListSchedules() ([]*types.Schedule, error) {
	return list[types.Schedule](s, bucketSchedules, "")
}

func (s *BoltStore) UpdateSchedule(schedule *types.Schedule) error {
	return s.CreateSchedule(schedule) // Same as create (upsert)
}

func (s *BoltStore) DeleteSchedule(name string) error {
	return s.delete(bucketSchedules, name)
}

// Remote operations
func (s *BoltStore) CreateRemote(remote *types.Remote) error {
	return s.put(bucketRemotes, remote.Name, remote)
}

func (s *BoltStore) GetRemote(name string) (*types.Remote, error) {
	var remote types.Remote
	err := s.get(bucketRemotes, name, "remote", &remote)
	return &remote, err
}

func (s *BoltStore) ListRemotes() ([]*types.Remote, error) {
	return list[types.Remote](s, bucketRemotes, "")
}

func (s *BoltStore) DeleteRemote(name string) error {
	return s.delete(bucketRemotes, name)
}

// Node operations
func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.put(bucketNodes, node.Name, node)
}

func (s *BoltStore) GetNode(name string) (*types.Node, error) {
	var node types.Node
	err := s.get(bucketNodes, name, "node", &node)
	return &node, err
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	return list[types.Node](s, bucketNodes, "")
}

func (s *BoltStore) DeleteNode(name string) error {
	return s.delete(bucketNodes, name)
}

// Resource group operations
func (s *BoltStore) CreateResourceGroup(group *types.ResourceGroup) error {
	return s.put(bucketResourceGroups, group.Name, group)
}

func (s *BoltStore) GetResourceGroup(name string) (*types.ResourceGroup, error) {
	var group types.ResourceGroup
	err := s.get(bucketResourceGroups, name, "resource group", &group)
	return &group, err
}

func (s *BoltStore) ListResourceGroups() ([]*types.ResourceGroup, error) {
	return list[types.ResourceGroup](s, bucketResourceGroups, "")
}

func (s *BoltStore) UpdateResourceGroup(group *types.ResourceGroup) error {
	return s.CreateResourceGroup(group)
}

func (s *BoltStore) DeleteResourceGroup(name string) error {
	return s.delete(bucketResourceGroups, name)
}

// Resource definition operations
func (s *BoltStore) CreateResourceDefinition(rd *types.ResourceDefinition) error {
	return s.put(bucketResourceDefs, rd.Name, rd)
}

func (s *BoltStore) GetResourceDefinition(name string) (*types.ResourceDefinition, error) {
	var rd types.ResourceDefinition
	err := s.get(bucketResourceDefs, name, "resource definition", &rd)
	return &rd, err
}

func (s *BoltStore) ListResourceDefinitions() ([]*types.ResourceDefinition, error) {
	return list[types.ResourceDefinition](s, bucketResourceDefs, "")
}

func (s *BoltStore) UpdateResourceDefinition(rd *types.ResourceDefinition) error {
	return s.CreateResourceDefinition(rd)
}

func (s *BoltStore) DeleteResourceDefinition(name string) error {
	return s.delete(bucketResourceDefs, name)
}

// Controller property operations
func (s *BoltStore) GetControllerProps() (types.Props, error) {
	props := types.Props{}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketController).Get(keyControllerProps)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &props)
	})
	return props, err
}

func (s *BoltStore) SetControllerProps(props types.Props) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(props)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketController).Put(keyControllerProps, data)
	})
}

func (s *BoltStore) DeleteProps(fn func(key string) bool) error {
	prune := func(props types.Props) bool {
		changed := false
		for k := range props {
			if fn(k) {
				delete(props, k)
				changed = true
			}
		}
		return changed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		// collect first, a bucket must not be modified inside ForEach
		var rds []*types.ResourceDefinition
		err := tx.Bucket(bucketResourceDefs).ForEach(func(k, v []byte) error {
			var rd types.ResourceDefinition
			if err := json.Unmarshal(v, &rd); err != nil {
				return err
			}
			if prune(rd.Props) {
				rds = append(rds, &rd)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rd := range rds {
			if err := put(tx, bucketResourceDefs, rd.Name, rd); err != nil {
				return err
			}
		}

		var groups []*types.ResourceGroup
		err = tx.Bucket(bucketResourceGroups).ForEach(func(k, v []byte) error {
			var group types.ResourceGroup
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			if prune(group.Props) {
				groups = append(groups, &group)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, group := range groups {
			if err := put(tx, bucketResourceGroups, group.Name, group); err != nil {
				return err
			}
		}

		ctrl := types.Props{}
		if data := tx.Bucket(bucketController).Get(keyControllerProps); data != nil {
			if err := json.Unmarshal(data, &ctrl); err != nil {
				return err
			}
		}
		if prune(ctrl) {
			return put(tx, bucketController, string(keyControllerProps), ctrl)
		}
		return nil
	})
}

// Snapshot operations
func snapshotKey(rsc, name string) string {
	return rsc + "/" + name
}

func (s *BoltStore) CreateSnapshot(snapshot *types.Snapshot) error {
	return s.put(bucketSnapshots, snapshot.Key(), snapshot)
}

func (s *BoltStore) GetSnapshot(rsc, name string) (*types.Snapshot, error) {
	var snapshot types.Snapshot
	err := s.get(bucketSnapshots, snapshotKey(rsc, name), "snapshot", &snapshot)
	return &snapshot, err
}

func (s *BoltStore) ListSnapshots() ([]*types.Snapshot, error) {
	return list[types.Snapshot](s, bucketSnapshots, "")
}

func (s *BoltStore) DeleteSnapshot(rsc, name string) error {
	return s.delete(bucketSnapshots, snapshotKey(rsc, name))
}

// Manifest operations
func manifestKey(remote, key string) string {
	return remote + "/" + key
}

func (s *BoltStore) SaveManifest(record *types.ManifestRecord) error {
	return s.put(bucketManifests, manifestKey(record.Remote, record.Key), record)
}

func (s *BoltStore) GetManifest(remote, key string) (*types.ManifestRecord, error) {
	var record types.ManifestRecord
	err := s.get(bucketManifests, manifestKey(remote, key), "manifest", &record)
	return &record, err
}

func (s *BoltStore) ListManifests(remote string) ([]*types.ManifestRecord, error) {
	return list[types.ManifestRecord](s, bucketManifests, remote+"/")
}
