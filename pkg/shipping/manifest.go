package shipping

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/avast/retry-go"
	"github.com/cuemby/ferry/pkg/objstore"
	"github.com/cuemby/ferry/pkg/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var manifestKeyPattern = regexp.MustCompile(`^([a-zA-Z0-9_-]{2,48})_(back_[0-9]{8}_[0-9]{6})\.meta$`)

// Manifest describes a shipped backup. It is stored next to the volume
// objects and is all a restore needs.
type Manifest struct {
	Resource        string               `json:"rsc_name"`
	Snapshot        string               `json:"snap_name"`
	ClusterID       string               `json:"cluster_id,omitempty"`
	Node            string               `json:"node_name"`
	Remote          string               `json:"remote"`
	StartTimestamp  int64                `json:"start_timestamp"`
	FinishTimestamp int64                `json:"finish_timestamp"`
	BasedOn         string               `json:"based_on,omitempty"`
	Props           map[string]string    `json:"rsc_dfn_props,omitempty"`
	Volumes         map[int][]BackupPart `json:"backups"`
}

// BackupPart is one shipped volume object
type BackupPart struct {
	Name              string `json:"name"`
	FinishedTimestamp int64  `json:"finished_timestamp"`
	Node              string `json:"node"`
}

// ManifestKey returns the object name of the manifest of a snapshot
func ManifestKey(rsc, snapshot string) string {
	return fmt.Sprintf("%s_%s.meta", rsc, snapshot)
}

// ParseManifestKey splits a manifest key into resource and snapshot name
func ParseManifestKey(key string) (rsc, snapshot string, ok bool) {
	m := manifestKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Incremental reports whether the backup builds on another one
func (m *Manifest) Incremental() bool {
	return m.BasedOn != ""
}

// VolumeNumbers returns the shipped volume numbers in ascending order
func (m *Manifest) VolumeNumbers() []int {
	nrs := make([]int, 0, len(m.Volumes))
	for nr := range m.Volumes {
		nrs = append(nrs, nr)
	}
	sort.Ints(nrs)
	return nrs
}

// EncodeManifest renders m as JSON
func EncodeManifest(m *Manifest) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeManifest parses a manifest
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if m.Resource == "" || m.Snapshot == "" {
		return nil, fmt.Errorf("manifest without resource or snapshot")
	}
	return &m, nil
}

// FetchManifest reads and decodes a manifest from an object store
func FetchManifest(ctx context.Context, store objstore.Store, key string) (*Manifest, error) {
	body, err := store.GetObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest %s: %w", key, err)
	}
	defer body.Close()

	var m Manifest
	if err := json.NewDecoder(body).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", key, err)
	}
	return &m, nil
}

// ManifestRecorder keeps a local copy of every uploaded manifest
type ManifestRecorder interface {
	SaveManifest(record *types.ManifestRecord) error
}

// manifestFor builds the manifest of a finished shipment
func (s *Service) manifestFor(info *ShippingInfo) *Manifest {
	m := &Manifest{
		Resource:       info.Key.Resource,
		Snapshot:       info.Key.Snapshot,
		ClusterID:      s.cfg.ClusterID,
		Remote:         info.Key.Remote,
		StartTimestamp: info.StartedAt.UnixMilli(),
		Props:          info.Props,
		Volumes:        make(map[int][]BackupPart, len(info.Volumes)),
	}
	if info.BasedOnManifestKey != "" {
		m.BasedOn = info.BasedOnManifestKey
	}

	var finish time.Time
	for nr, vol := range info.Volumes {
		m.Node = vol.Node
		m.Volumes[nr] = append(m.Volumes[nr], BackupPart{
			Name:              vol.BackupName,
			FinishedTimestamp: vol.FinishedAt.UnixMilli(),
			Node:              vol.Node,
		})
		if vol.FinishedAt.After(finish) {
			finish = vol.FinishedAt
		}
	}
	m.FinishTimestamp = finish.UnixMilli()
	return m
}

// uploadManifest stores the manifest of a successful send on the remote,
// if it is an object store, and records it locally
func (s *Service) uploadManifest(ctx context.Context, info *ShippingInfo, store objstore.Store) error {
	data, err := EncodeManifest(s.manifestFor(info))
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	logger := s.logger.With().Str("manifest", info.ManifestKey).Logger()
	if store != nil {
		if err := s.putManifest(ctx, store, info.ManifestKey, data, logger); err != nil {
			return err
		}
	}

	if s.recorder != nil {
		record := &types.ManifestRecord{
			Remote:    info.Key.Remote,
			Key:       info.ManifestKey,
			Data:      data,
			CreatedAt: s.now(),
		}
		if err := s.recorder.SaveManifest(record); err != nil {
			logger.Warn().Err(err).Msg("Failed to record manifest locally")
		}
	}
	return nil
}

func (s *Service) putManifest(ctx context.Context, store objstore.Store, key string, data []byte, logger zerolog.Logger) error {
	err := retry.Do(
		func() error {
			return store.PutObject(ctx, key, data)
		},
		retry.Context(ctx),
		retry.Attempts(s.cfg.ManifestAttempts),
		retry.Delay(s.cfg.ManifestRetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Err(err).Uint("attempt", n+1).Msg("Manifest upload failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to upload manifest %s: %w", key, err)
	}
	return nil
}
