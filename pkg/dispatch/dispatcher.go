package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/ferry/pkg/backupschedule"
	"github.com/cuemby/ferry/pkg/events"
	"github.com/cuemby/ferry/pkg/log"
	"github.com/cuemby/ferry/pkg/network"
	"github.com/cuemby/ferry/pkg/shipping"
	"github.com/cuemby/ferry/pkg/storage"
	"github.com/cuemby/ferry/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNoNode is returned when a resource has no node holding its data
	ErrNoNode = errors.New("no diskful node")
	// ErrBusy is returned when the shipment is already in flight
	ErrBusy = errors.New("shipment already in flight")
)

// Shipper registers and controls shipments
type Shipper interface {
	SendBackup(ctx context.Context, req *shipping.VolumeRequest) error
	RestoreBackup(ctx context.Context, req *shipping.VolumeRequest) error
	AllBackupPartsRegistered(key shipping.ShippingKey)
	AwaitListening(key shipping.ShippingKey, timeout time.Duration) bool
	AbortAll(resource, snapshot string, timeout time.Duration) bool
	KillAllShipping()
	SnapshotDeleted(resource, snapshot string)
}

// Rearmer is told about the outcome of scheduled backups
type Rearmer interface {
	BackupFinished(key backupschedule.DefinitionKey, startedAt time.Time, success, forceSkip, incremental bool)
}

// Config configures a Dispatcher
type Config struct {
	// AwaitTimeout bounds the wait for daemons being aborted
	AwaitTimeout time.Duration
	// ListenTimeout bounds the wait for the listeners of a local receiver
	ListenTimeout time.Duration
	// MaxReissues limits how often a shipment is retried after port conflicts
	MaxReissues int
	// SubscriptionBuffer is the event buffer of the dispatcher
	SubscriptionBuffer int
}

// DefaultConfig returns the default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		AwaitTimeout:       30 * time.Second,
		ListenTimeout:      30 * time.Second,
		MaxReissues:        3,
		SubscriptionBuffer: 1024,
	}
}

// Options configures a Dispatcher
type Options struct {
	Config    Config
	Store     storage.Store
	Sender    Shipper
	Receiver  Shipper // optional, receives cluster shipments locally
	Schedules Rearmer
	Broker    *events.Broker
	Stores    shipping.StoreResolver
	Ports     *network.PortPool
	Templates *Templates
	Clock     clock.Clock
}

// attempt is one scheduled backup in flight. A port conflict re-issues the
// same snapshot with other ports under a new attempt id.
type attempt struct {
	id          string
	req         *backupschedule.BackupRequest
	key         shipping.ShippingKey
	node        string
	basedOn     string
	incremental bool
	receive     bool
	ports       []int

	sendDone  bool
	sendOK    bool
	recvDone  bool
	recvOK    bool
	conflicts []int
	reissues  int
}

func (a *attempt) done() bool {
	return a.sendDone && (!a.receive || a.recvDone)
}

// Dispatcher turns fired backup definitions into shipments and feeds the
// outcome back to the backup schedule service
type Dispatcher struct {
	cfg       Config
	store     storage.Store
	sender    Shipper
	receiver  Shipper
	schedules Rearmer
	broker    *events.Broker
	stores    shipping.StoreResolver
	ports     *network.PortPool
	templates *Templates
	clock     clock.Clock
	logger    zerolog.Logger

	mu       sync.Mutex
	attempts map[shipping.ShippingKey]*attempt
	restores map[shipping.ShippingKey]chan bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Templates == nil {
		opts.Templates, _ = ParseTemplates("", "")
	}
	if opts.Ports == nil {
		opts.Ports = network.NewPortPool(network.PortRange{Min: 12000, Max: 12999}, 0, opts.Clock)
	}
	if opts.Config.SubscriptionBuffer <= 0 {
		opts.Config.SubscriptionBuffer = DefaultConfig().SubscriptionBuffer
	}
	return &Dispatcher{
		cfg:       opts.Config,
		store:     opts.Store,
		sender:    opts.Sender,
		receiver:  opts.Receiver,
		schedules: opts.Schedules,
		broker:    opts.Broker,
		stores:    opts.Stores,
		ports:     opts.Ports,
		templates: opts.Templates,
		clock:     opts.Clock,
		logger:    log.WithComponent("dispatch"),
		attempts:  make(map[shipping.ShippingKey]*attempt),
		restores:  make(map[shipping.ShippingKey]chan bool),
		done:      make(chan struct{}),
	}
}

// Start subscribes to shipment events
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	sub := d.broker.SubscribeBuffered(d.cfg.SubscriptionBuffer, events.ShipmentEvents...)
	go d.run(ctx, sub)
}

// Stop unsubscribes and waits for the event loop to exit
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

func (d *Dispatcher) run(ctx context.Context, sub events.Subscriber) {
	defer close(d.done)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				d.connectionLost()
				return
			}
			d.handle(ev)
		case <-ctx.Done():
			d.broker.Unsubscribe(sub)
			return
		}
	}
}

// connectionLost kills every shipment once the event stream is gone, as
// nobody would learn about their outcome
func (d *Dispatcher) connectionLost() {
	d.logger.Warn().Msg("Event stream closed, killing all shipments")
	d.sender.KillAllShipping()
	if d.receiver != nil {
		d.receiver.KillAllShipping()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for key, a := range d.attempts {
		d.ports.Release(a.id)
		delete(d.attempts, key)
	}
	for key, ch := range d.restores {
		ch <- false
		close(ch)
		delete(d.restores, key)
	}
}

// StartScheduledBackup creates the snapshot of a fired definition and
// registers one transfer per volume
func (d *Dispatcher) StartScheduledBackup(ctx context.Context, req *backupschedule.BackupRequest) error {
	rd := req.Resource
	node, err := pickNode(rd, req.PrefNode)
	if err != nil {
		return err
	}

	key := shipping.ShippingKey{
		Resource: rd.Name,
		Snapshot: types.SnapshotName(req.StartedAt),
		Remote:   req.Remote.Name,
	}
	a := &attempt{
		id:          uuid.New().String(),
		req:         req,
		key:         key,
		node:        node,
		incremental: req.Incremental,
		receive:     req.Remote.Type == types.RemoteTypeCluster && d.receiver != nil,
	}

	d.mu.Lock()
	if _, busy := d.attempts[key]; busy {
		d.mu.Unlock()
		return fmt.Errorf("%s: %w", key, ErrBusy)
	}
	if a.incremental {
		a.basedOn, err = d.baseSnapshot(rd.Name, req.Remote.Name)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		if a.basedOn == "" {
			a.incremental = false
		}
	}
	d.attempts[key] = a
	d.mu.Unlock()

	logger := log.WithShipment(key.Resource, key.Snapshot, key.Remote)
	if req.Incremental && !a.incremental {
		logger.Info().Msg("No earlier backup to build on, shipping a full backup")
	}

	snap := &types.Snapshot{
		Resource:    rd.Name,
		Name:        key.Snapshot,
		Remote:      req.Remote.Name,
		Schedule:    req.Key.Schedule,
		Incremental: a.incremental,
		CreatedAt:   req.StartedAt,
	}
	if err := d.store.CreateSnapshot(snap); err != nil {
		d.forget(a)
		return fmt.Errorf("failed to record snapshot %s: %w", snap.Key(), err)
	}

	if err := d.issue(ctx, a); err != nil {
		d.forget(a)
		d.cleanup(a)
		return err
	}
	return nil
}

// issue registers and starts the shipment of an attempt
func (d *Dispatcher) issue(ctx context.Context, a *attempt) error {
	req := a.req
	rd := req.Resource
	logger := log.WithShipment(a.key.Resource, a.key.Snapshot, a.key.Remote).With().
		Str("attempt", a.id).
		Logger()

	if req.Remote.Type == types.RemoteTypeCluster {
		ports, err := d.ports.Allocate(a.id, len(rd.Volumes))
		if err != nil {
			return err
		}
		a.ports = ports
	}

	if a.receive {
		for i, vol := range rd.Volumes {
			data := d.commandData(a, vol)
			cmd, err := d.templates.Receive(data)
			if err != nil {
				return err
			}
			err = d.receiver.RestoreBackup(ctx, &shipping.VolumeRequest{
				Resource:     a.key.Resource,
				Snapshot:     a.key.Snapshot,
				Suffix:       rd.Suffix,
				VolumeNumber: vol.Number,
				Remote:       req.Remote,
				Command:      cmd,
				Port:         a.ports[i],
			})
			if err != nil {
				return fmt.Errorf("failed to register receiving volume %d: %w", vol.Number, err)
			}
		}
		d.receiver.AllBackupPartsRegistered(a.key)

		if !d.receiver.AwaitListening(a.key, d.cfg.ListenTimeout) {
			// the receiver reports its conflict or failure
			logger.Warn().Ints("ports", a.ports).Msg("Receiver not listening, not sending")
			d.mu.Lock()
			a.sendDone, a.sendOK = true, false
			d.mu.Unlock()
			d.maybeComplete(a)
			return nil
		}
	}

	for i, vol := range rd.Volumes {
		data := d.commandData(a, vol)
		cmd, err := d.templates.Send(data)
		if err != nil {
			return err
		}
		vr := &shipping.VolumeRequest{
			Resource:     a.key.Resource,
			Snapshot:     a.key.Snapshot,
			Suffix:       rd.Suffix,
			VolumeNumber: vol.Number,
			Node:         a.node,
			Remote:       req.Remote,
			Command:      cmd,
			BasedOn:      a.basedOn,
			Props:        rd.Props,
		}
		if a.ports != nil {
			vr.Port = a.ports[i]
		}
		if err := d.sender.SendBackup(ctx, vr); err != nil {
			return fmt.Errorf("failed to register volume %d: %w", vol.Number, err)
		}
	}
	d.sender.AllBackupPartsRegistered(a.key)

	logger.Info().
		Bool("incremental", a.incremental).
		Str("based_on", a.basedOn).
		Str("node", a.node).
		Ints("ports", a.ports).
		Msg("Shipment issued")
	return nil
}

func (d *Dispatcher) commandData(a *attempt, vol types.VolumeDefinition) CommandData {
	return CommandData{
		Resource:        a.key.Resource,
		Snapshot:        a.key.Snapshot,
		BasedOn:         a.basedOn,
		Incremental:     a.incremental,
		Volume:          vol.Number,
		Device:          devicePath(a.key.Resource, vol.Number, vol.DevicePath),
		Node:            a.node,
		RenameStorPools: a.req.RenameStorPools,
	}
}

// forget drops an attempt before its shipment is torn down, so the verdict
// of the torn down shipment is ignored
func (d *Dispatcher) forget(a *attempt) {
	d.mu.Lock()
	if d.attempts[a.key] == a {
		delete(d.attempts, a.key)
	}
	d.mu.Unlock()
	d.ports.Release(a.id)
}

// cleanup aborts whatever was registered for a failed attempt and removes
// its snapshot
func (d *Dispatcher) cleanup(a *attempt) {
	d.sender.AbortAll(a.key.Resource, a.key.Snapshot, d.cfg.AwaitTimeout)
	if d.receiver != nil {
		d.receiver.AbortAll(a.key.Resource, a.key.Snapshot, d.cfg.AwaitTimeout)
	}
	d.deleteSnapshot(a.key.Resource, a.key.Snapshot)
}

func (d *Dispatcher) handle(ev *events.Event) {
	if ev.Shipment == nil {
		return
	}
	sh := ev.Shipment
	key := shipping.ShippingKey{Resource: sh.Resource, Snapshot: sh.Snapshot, Remote: sh.Remote}

	switch ev.Type {
	case events.EventShipmentUploadID:
		logger := log.WithShipment(key.Resource, key.Snapshot, key.Remote)
		logger.Debug().
			Str("backup", sh.BackupName).
			Str("upload_id", sh.UploadID).
			Msg("Upload started")

	case events.EventShipmentFinished:
		d.mu.Lock()
		if ch, ok := d.restores[key]; ok && sh.Restore {
			delete(d.restores, key)
			d.mu.Unlock()
			ch <- sh.Success
			close(ch)
			return
		}
		a, ok := d.attempts[key]
		if !ok {
			d.mu.Unlock()
			return
		}
		if sh.Restore {
			a.recvDone, a.recvOK = true, sh.Success
		} else {
			a.sendDone, a.sendOK = true, sh.Success
		}
		d.mu.Unlock()
		d.maybeComplete(a)

	case events.EventShipmentConflict:
		d.mu.Lock()
		a, ok := d.attempts[key]
		if !ok {
			d.mu.Unlock()
			return
		}
		a.conflicts = append(a.conflicts, sh.ConflictingPorts...)
		if sh.Restore {
			a.recvDone = true
		} else {
			a.sendDone = true
		}
		d.mu.Unlock()

		d.ports.Quarantine(sh.ConflictingPorts...)
		logger := log.WithShipment(key.Resource, key.Snapshot, key.Remote)
		logger.Warn().
			Ints("ports", sh.ConflictingPorts).
			Msg("Ports in use, aborting shipment for a retry")
		// the sender cannot reach a listener that never came up
		d.sender.AbortAll(key.Resource, key.Snapshot, d.cfg.AwaitTimeout)
		d.maybeComplete(a)
	}
}

// maybeComplete finishes an attempt once every side reported
func (d *Dispatcher) maybeComplete(a *attempt) {
	d.mu.Lock()
	if d.attempts[a.key] != a || !a.done() {
		d.mu.Unlock()
		return
	}
	delete(d.attempts, a.key)
	d.mu.Unlock()
	d.ports.Release(a.id)

	logger := log.WithShipment(a.key.Resource, a.key.Snapshot, a.key.Remote)
	if len(a.conflicts) > 0 && a.reissues < d.cfg.MaxReissues {
		next := &attempt{
			id:          uuid.New().String(),
			req:         a.req,
			key:         a.key,
			node:        a.node,
			basedOn:     a.basedOn,
			incremental: a.incremental,
			receive:     a.receive,
			reissues:    a.reissues + 1,
		}
		d.mu.Lock()
		d.attempts[a.key] = next
		d.mu.Unlock()

		logger.Info().Int("reissue", next.reissues).Msg("Re-issuing shipment with other ports")
		go func() {
			if err := d.issue(context.Background(), next); err != nil {
				logger.Error().Err(err).Msg("Failed to re-issue shipment")
				d.forget(next)
				d.cleanup(next)
				d.finish(next, false)
			}
		}()
		return
	}

	success := a.sendOK && (!a.receive || a.recvOK) && len(a.conflicts) == 0
	if !success {
		d.deleteSnapshot(a.key.Resource, a.key.Snapshot)
	}
	d.finish(a, success)
}

func (d *Dispatcher) finish(a *attempt, success bool) {
	if success {
		d.applyRetention(a.req)
	}
	if d.schedules != nil {
		d.schedules.BackupFinished(a.req.Key, a.req.StartedAt, success, false, a.incremental)
	}
}

// baseSnapshot returns the latest shipped snapshot of a resource on a
// remote. Caller must hold d.mu.
func (d *Dispatcher) baseSnapshot(rsc, remote string) (string, error) {
	snaps, err := d.store.ListSnapshots()
	if err != nil {
		return "", fmt.Errorf("failed to list snapshots: %w", err)
	}
	var base *types.Snapshot
	for _, s := range snaps {
		if s.Resource != rsc || s.Remote != remote {
			continue
		}
		if _, inFlight := d.attempts[shipping.ShippingKey{Resource: rsc, Snapshot: s.Name, Remote: remote}]; inFlight {
			continue
		}
		if base == nil || s.CreatedAt.After(base.CreatedAt) {
			base = s
		}
	}
	if base == nil {
		return "", nil
	}
	return base.Name, nil
}

// applyRetention deletes the oldest local snapshots of a schedule beyond
// its KeepLocal limit
func (d *Dispatcher) applyRetention(req *backupschedule.BackupRequest) {
	if req.Schedule == nil || req.Schedule.KeepLocal <= 0 {
		return
	}
	snaps, err := d.store.ListSnapshots()
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to list snapshots for retention")
		return
	}

	var mine []*types.Snapshot
	for _, s := range snaps {
		if s.Resource == req.Resource.Name && s.Remote == req.Remote.Name && s.Schedule == req.Schedule.Name {
			mine = append(mine, s)
		}
	}
	if len(mine) <= req.Schedule.KeepLocal {
		return
	}
	sort.Slice(mine, func(i, j int) bool {
		return mine[i].CreatedAt.Before(mine[j].CreatedAt)
	})
	for _, s := range mine[:len(mine)-req.Schedule.KeepLocal] {
		d.deleteSnapshot(s.Resource, s.Name)
	}
}

func (d *Dispatcher) deleteSnapshot(rsc, name string) {
	if err := d.store.DeleteSnapshot(rsc, name); err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.logger.Warn().Err(err).Str("snapshot", rsc+"/"+name).Msg("Failed to delete snapshot")
	}
	d.sender.SnapshotDeleted(rsc, name)
	if d.receiver != nil {
		d.receiver.SnapshotDeleted(rsc, name)
	}
	d.broker.Publish(&events.Event{
		Type:      events.EventSnapshotDeleted,
		Timestamp: d.clock.Now(),
		Message:   "snapshot " + rsc + "/" + name + " deleted",
		Metadata:  map[string]string{"resource": rsc, "snapshot": name},
	})
}

// InFlight returns the number of scheduled backups waiting for their verdict
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

// pickNode returns the preferred node if it holds data of the resource,
// otherwise the first diskful node
func pickNode(rd *types.ResourceDefinition, preferred string) (string, error) {
	if preferred != "" && rd.HasDiskfulNode(preferred) {
		return preferred, nil
	}
	nodes := rd.DiskfulNodes()
	if len(nodes) == 0 {
		return "", fmt.Errorf("resource %s: %w", rd.Name, ErrNoNode)
	}
	return nodes[0], nil
}
