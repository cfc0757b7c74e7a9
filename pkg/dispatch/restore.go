package dispatch

import (
	"context"
	"fmt"

	"github.com/cuemby/ferry/pkg/objstore"
	"github.com/cuemby/ferry/pkg/shipping"
	"github.com/cuemby/ferry/pkg/types"
)

// maxChain bounds the incremental chain followed by a restore
const maxChain = 64

// RestoreRequest restores a backup from an object store remote
type RestoreRequest struct {
	Remote      string
	ManifestKey string
	// TargetResource defaults to the resource of the backup
	TargetResource string
	// Node defaults to the first diskful node of the target
	Node string
}

// Restore downloads a backup and every backup it builds on, oldest first.
// The returned channel receives the outcome once the chain was restored or
// a link failed.
func (d *Dispatcher) Restore(ctx context.Context, req RestoreRequest) (<-chan bool, error) {
	remote, err := d.store.GetRemote(req.Remote)
	if err != nil {
		return nil, fmt.Errorf("failed to get remote %s: %w", req.Remote, err)
	}
	if remote.Type != types.RemoteTypeS3 {
		return nil, fmt.Errorf("restore from %s of type %q: %w", remote.Name, remote.Type, shipping.ErrRemoteType)
	}
	if _, _, ok := shipping.ParseManifestKey(req.ManifestKey); !ok {
		return nil, fmt.Errorf("%q is not a backup manifest", req.ManifestKey)
	}
	if d.stores == nil {
		return nil, fmt.Errorf("no object store for remote %s", remote.Name)
	}
	store, err := d.stores(ctx, remote)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote %s: %w", remote.Name, err)
	}

	chain, err := manifestChain(ctx, store, req.ManifestKey)
	if err != nil {
		return nil, err
	}

	target := req.TargetResource
	if target == "" {
		target = chain[len(chain)-1].Resource
	}
	rd, err := d.store.GetResourceDefinition(target)
	if err != nil {
		return nil, fmt.Errorf("failed to get resource definition %s: %w", target, err)
	}
	node := req.Node
	if node == "" {
		if node, err = pickNode(rd, ""); err != nil {
			return nil, err
		}
	} else if !rd.HasDiskfulNode(node) {
		return nil, fmt.Errorf("node %s holds no data of %s", node, rd.Name)
	}

	result := make(chan bool, 1)
	go func() {
		defer close(result)
		for _, m := range chain {
			if !d.restoreOne(ctx, remote, rd, node, m) {
				result <- false
				return
			}
		}
		result <- true
	}()
	return result, nil
}

// manifestChain fetches the manifest at key and every manifest it builds
// on, returned oldest first
func manifestChain(ctx context.Context, store objstore.Store, key string) ([]*shipping.Manifest, error) {
	var chain []*shipping.Manifest
	seen := make(map[string]bool)
	for key != "" {
		if seen[key] || len(chain) >= maxChain {
			return nil, fmt.Errorf("backup chain of %s is cyclic or too long", key)
		}
		seen[key] = true

		m, err := shipping.FetchManifest(ctx, store, key)
		if err != nil {
			return nil, err
		}
		if len(m.Volumes) == 0 {
			return nil, fmt.Errorf("manifest %s lists no volumes", key)
		}
		chain = append([]*shipping.Manifest{m}, chain...)
		key = m.BasedOn
	}
	return chain, nil
}

// restoreOne restores one backup of a chain and waits for its verdict
func (d *Dispatcher) restoreOne(ctx context.Context, remote *types.Remote, rd *types.ResourceDefinition, node string, m *shipping.Manifest) bool {
	key := shipping.ShippingKey{Resource: rd.Name, Snapshot: m.Snapshot, Remote: remote.Name}
	logger := d.logger.With().Str("restore", key.String()).Logger()

	ch := make(chan bool, 1)
	d.mu.Lock()
	if _, busy := d.restores[key]; busy {
		d.mu.Unlock()
		logger.Error().Msg("Restore already in flight")
		return false
	}
	d.restores[key] = ch
	d.mu.Unlock()

	basedOn := ""
	if m.BasedOn != "" {
		_, basedOn, _ = shipping.ParseManifestKey(m.BasedOn)
	}
	devices := make(map[int]string, len(rd.Volumes))
	for _, vol := range rd.Volumes {
		devices[vol.Number] = vol.DevicePath
	}

	register := func() error {
		for _, nr := range m.VolumeNumbers() {
			parts := m.Volumes[nr]
			if len(parts) == 0 {
				return fmt.Errorf("manifest of %s lists no backup for volume %d", m.Snapshot, nr)
			}
			cmd, err := d.templates.Receive(CommandData{
				Resource:    rd.Name,
				Snapshot:    m.Snapshot,
				BasedOn:     basedOn,
				Incremental: m.Incremental(),
				Volume:      nr,
				Device:      devicePath(rd.Name, nr, devices[nr]),
				Node:        node,
			})
			if err != nil {
				return err
			}
			err = d.sender.RestoreBackup(ctx, &shipping.VolumeRequest{
				Resource:     rd.Name,
				Snapshot:     m.Snapshot,
				VolumeNumber: nr,
				Node:         node,
				Remote:       remote,
				Command:      cmd,
				BackupName:   parts[len(parts)-1].Name,
			})
			if err != nil {
				return fmt.Errorf("failed to register volume %d: %w", nr, err)
			}
		}
		return nil
	}

	if err := register(); err != nil {
		d.mu.Lock()
		delete(d.restores, key)
		d.mu.Unlock()
		d.sender.AbortAll(rd.Name, m.Snapshot, d.cfg.AwaitTimeout)
		logger.Error().Err(err).Msg("Failed to start restore")
		return false
	}
	d.sender.AllBackupPartsRegistered(key)
	logger.Info().Int("volumes", len(m.Volumes)).Str("node", node).Msg("Restore started")

	select {
	case ok := <-ch:
		logger.Info().Bool("success", ok).Msg("Restore finished")
		return ok
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.restores, key)
		d.mu.Unlock()
		return false
	}
}
