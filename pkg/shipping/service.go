package shipping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/ferry/pkg/events"
	"github.com/cuemby/ferry/pkg/extcmd"
	"github.com/cuemby/ferry/pkg/log"
	"github.com/cuemby/ferry/pkg/metrics"
	"github.com/cuemby/ferry/pkg/objstore"
	"github.com/cuemby/ferry/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotStarted is returned when shipments are registered on a stopped service
	ErrNotStarted = errors.New("shipping service not started")
	// ErrRemoteType is returned for remotes the service cannot ship to
	ErrRemoteType = errors.New("unsupported remote type")
)

// ShippingKey identifies one logical shipment, independent of how many
// volumes it contains
type ShippingKey struct {
	Resource string
	Snapshot string
	Remote   string
}

func (k ShippingKey) String() string {
	return k.Resource + "/" + k.Snapshot + "@" + k.Remote
}

// VolumeShipmentState is the transfer of one volume of a shipment
type VolumeShipmentState struct {
	VolumeNumber int
	BackupName   string
	Node         string
	Port         int
	UploadID     string
	Daemon       Daemon
	FinishedAt   time.Time

	finished bool
}

// ShippingInfo aggregates the volumes of one in-flight shipment
type ShippingInfo struct {
	Key     ShippingKey
	Remote  *types.Remote
	Restore bool
	Started bool

	Volumes          map[int]*VolumeShipmentState
	PortsUsed        map[int]struct{}
	ConflictingPorts map[int]struct{}
	Finished         int
	Succeeded        int

	ManifestKey        string
	BasedOnManifestKey string
	Props              map[string]string
	StartedAt          time.Time

	store objstore.Store
}

// Notifier receives the shipment notifications for the control plane
type Notifier interface {
	Publish(event *events.Event)
}

// StoreResolver opens the object store of an S3 remote
type StoreResolver func(ctx context.Context, remote *types.Remote) (objstore.Store, error)

// DaemonSpec is everything needed to create the daemon of one volume
type DaemonSpec struct {
	Key          ShippingKey
	Remote       *types.Remote
	Restore      bool
	VolumeNumber int
	BackupName   string
	Argv         []string
	Port         int
	Store        objstore.Store
	Compress     bool
}

// DaemonFactory creates the daemon of one volume
type DaemonFactory func(spec DaemonSpec, post PostAction) Daemon

// Config holds the tunables of the shipping service
type Config struct {
	ClusterID string
	// ConnectionWait bounds the wait for a peer-to-peer listener
	ConnectionWait time.Duration
	Compression    Compression
	// KillStale kills leftovers of the same transfer command before a
	// daemon is created
	KillStale          bool
	PsLister           extcmd.PsLister
	ManifestAttempts   uint
	ManifestRetryDelay time.Duration
}

// DefaultConfig returns the default shipping configuration
func DefaultConfig() Config {
	return Config{
		ConnectionWait:     30 * time.Second,
		Compression:        CompressionInProcess,
		KillStale:          true,
		ManifestAttempts:   5,
		ManifestRetryDelay: time.Second,
	}
}

// Options configures a Service
type Options struct {
	Config   Config
	Notifier Notifier
	Stores   StoreResolver
	// Recorder, when set, keeps a copy of every uploaded manifest
	Recorder ManifestRecorder
	// NewDaemon defaults to StreamDaemon for cluster remotes and
	// ObjectDaemon for S3 remotes
	NewDaemon DaemonFactory
	Clock     clock.Clock
}

// Service orchestrates the per-volume daemons of every shipment
type Service struct {
	cfg       Config
	notifier  Notifier
	stores    StoreResolver
	recorder  ManifestRecorder
	newDaemon DaemonFactory
	clock     clock.Clock
	logger    zerolog.Logger

	locks *keyLocks

	mu       sync.RWMutex
	infos    map[ShippingKey]*ShippingInfo
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	started  map[ShippingKey]struct{}
	finished map[ShippingKey][]string
}

// NewService creates a stopped shipping service
func NewService(opts Options) *Service {
	s := &Service{
		cfg:      opts.Config,
		notifier: opts.Notifier,
		stores:   opts.Stores,
		recorder: opts.Recorder,
		clock:    opts.Clock,
		logger:   log.WithComponent("shipping"),
		locks:    newKeyLocks(),
		infos:    make(map[ShippingKey]*ShippingInfo),
		started:  make(map[ShippingKey]struct{}),
		finished: make(map[ShippingKey][]string),
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if !s.cfg.Compression.Valid() {
		s.cfg.Compression = CompressionInProcess
	}
	if s.cfg.ManifestAttempts == 0 {
		s.cfg.ManifestAttempts = 1
	}
	s.newDaemon = opts.NewDaemon
	if s.newDaemon == nil {
		s.newDaemon = s.defaultDaemon
	}
	return s
}

func (s *Service) now() time.Time {
	return s.clock.Now()
}

func (s *Service) defaultDaemon(spec DaemonSpec, post PostAction) Daemon {
	logger := log.WithShipment(spec.Key.Resource, spec.Key.Snapshot, spec.Key.Remote).With().
		Int("volume", spec.VolumeNumber).
		Bool("restore", spec.Restore).
		Logger()

	if spec.Remote.Type == types.RemoteTypeS3 {
		return NewObjectDaemon(ObjectDaemonConfig{
			Store:    spec.Store,
			Key:      spec.BackupName,
			Argv:     spec.Argv,
			Restore:  spec.Restore,
			Compress: spec.Compress,
		}, post, logger)
	}
	return NewStreamDaemon(StreamDaemonConfig{
		Argv:           spec.Argv,
		Port:           spec.Port,
		Listening:      spec.Restore,
		ConnectionWait: s.cfg.ConnectionWait,
	}, post, logger)
}

// Start allows shipments to be registered
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.logger.Info().Msg("Shipping service started")
	return nil
}

// Shutdown stops every daemon. Their post actions still run so the control
// plane learns about the failed shipments.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	daemons := s.daemonsLocked(func(ShippingKey) bool { return true })
	s.mu.Unlock()

	for _, d := range daemons {
		d.Shutdown(true)
	}
	s.logger.Info().Int("daemons", len(daemons)).Msg("Shipping service stopped")
}

// AwaitShutdown waits for every daemon, sharing one deadline between all
// of them. It reports whether all daemons exited in time.
func (s *Service) AwaitShutdown(timeout time.Duration) bool {
	s.mu.RLock()
	daemons := s.daemonsLocked(func(ShippingKey) bool { return true })
	s.mu.RUnlock()

	ok := awaitAll(daemons, timeout)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	return ok
}

func awaitAll(daemons []Daemon, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ok := true
	for _, d := range daemons {
		left := time.Until(deadline)
		if left <= 0 {
			return false
		}
		if !d.AwaitShutdown(left) {
			ok = false
		}
	}
	return ok
}

func (s *Service) daemonsLocked(match func(ShippingKey) bool) []Daemon {
	var daemons []Daemon
	for key, info := range s.infos {
		if !match(key) {
			continue
		}
		for _, vol := range info.Volumes {
			daemons = append(daemons, vol.Daemon)
		}
	}
	return daemons
}

func (s *Service) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Service) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// VolumeRequest registers the transfer of one volume
type VolumeRequest struct {
	Resource     string
	Snapshot     string
	Suffix       string
	VolumeNumber int
	Node         string
	Remote       *types.Remote

	// Command writes the volume to stdout when sending and reads it from
	// stdin when restoring
	Command string

	// Port and Host address the stream of cluster remotes. Host defaults
	// to the address of the remote.
	Port int
	Host string

	// BasedOn is the snapshot an incremental backup builds on
	BasedOn string
	// BackupName is the object restored from
	BackupName string
	// Props are written into the manifest
	Props map[string]string
}

// Key returns the shipment the volume belongs to
func (r *VolumeRequest) Key() ShippingKey {
	remote := ""
	if r.Remote != nil {
		remote = r.Remote.Name
	}
	return ShippingKey{Resource: r.Resource, Snapshot: r.Snapshot, Remote: remote}
}

// SendBackup registers the upload of one volume. The daemon starts with
// AllBackupPartsRegistered.
func (s *Service) SendBackup(ctx context.Context, req *VolumeRequest) error {
	if req.Remote == nil {
		return fmt.Errorf("volume %d of %s: %w", req.VolumeNumber, req.Resource, ErrRemoteType)
	}
	backupName := types.BackupName(req.Resource, req.Suffix, req.VolumeNumber, req.Snapshot)

	var argv []string
	compress := false
	switch req.Remote.Type {
	case types.RemoteTypeS3:
		argv, compress = s.objectPipeline(req.Command, false)
	case types.RemoteTypeCluster:
		host := req.Host
		if host == "" {
			host = req.Remote.Address
		}
		if req.Port <= 0 || host == "" {
			return fmt.Errorf("stream of %s needs a host and a port", backupName)
		}
		argv = StreamSendPipeline(req.Command, host, req.Port, s.cfg.Compression)
	default:
		return fmt.Errorf("remote %s of type %q: %w", req.Remote.Name, req.Remote.Type, ErrRemoteType)
	}
	return s.startDaemon(ctx, req, backupName, argv, false, compress)
}

// RestoreBackup registers the download of one volume
func (s *Service) RestoreBackup(ctx context.Context, req *VolumeRequest) error {
	if req.Remote == nil {
		return fmt.Errorf("volume %d of %s: %w", req.VolumeNumber, req.Resource, ErrRemoteType)
	}
	backupName := req.BackupName
	if backupName == "" {
		backupName = types.BackupName(req.Resource, req.Suffix, req.VolumeNumber, req.Snapshot)
	}

	var argv []string
	compress := false
	switch req.Remote.Type {
	case types.RemoteTypeS3:
		argv, compress = s.objectPipeline(req.Command, true)
	case types.RemoteTypeCluster:
		if req.Port <= 0 {
			return fmt.Errorf("stream of %s needs a port", backupName)
		}
		argv = StreamReceivePipeline(req.Command, req.Port, s.cfg.Compression)
	default:
		return fmt.Errorf("remote %s of type %q: %w", req.Remote.Name, req.Remote.Type, ErrRemoteType)
	}
	return s.startDaemon(ctx, req, backupName, argv, true, compress)
}

func (s *Service) objectPipeline(cmd string, restore bool) ([]string, bool) {
	c := s.cfg.Compression
	compress := c == CompressionInProcess
	if compress {
		c = CompressionNone
	}
	if restore {
		return ReceivePipeline(cmd, c), compress
	}
	return SendPipeline(cmd, c), compress
}

func (s *Service) startDaemon(ctx context.Context, req *VolumeRequest, backupName string, argv []string, restore, compress bool) error {
	if !s.isRunning() {
		return ErrNotStarted
	}

	key := req.Key()
	logger := log.WithShipment(key.Resource, key.Snapshot, key.Remote)
	if s.AlreadyStarted(key) {
		logger.Debug().Int("volume", req.VolumeNumber).Msg("Shipment already started, ignoring volume")
		return nil
	}

	if s.cfg.KillStale && req.Command != "" {
		killed, err := extcmd.KillStale(ctx, s.cfg.PsLister, req.Command)
		if err != nil {
			return fmt.Errorf("failed to determine if %q is still running: %w", req.Command, err)
		}
		if killed > 0 {
			logger.Warn().Int("processes", killed).Msg("Killed leftovers of an earlier transfer")
		}
	}

	var store objstore.Store
	if req.Remote.Type == types.RemoteTypeS3 {
		if s.stores == nil {
			return fmt.Errorf("no object store for remote %s", req.Remote.Name)
		}
		var err error
		store, err = s.stores(ctx, req.Remote)
		if err != nil {
			return fmt.Errorf("failed to open remote %s: %w", req.Remote.Name, err)
		}
	}

	unlock := s.locks.lock(key)
	defer unlock()

	s.mu.Lock()
	info, ok := s.infos[key]
	if !ok {
		info = &ShippingInfo{
			Key:              key,
			Volumes:          make(map[int]*VolumeShipmentState),
			PortsUsed:        make(map[int]struct{}),
			ConflictingPorts: make(map[int]struct{}),
		}
		s.infos[key] = info
	}
	s.mu.Unlock()

	if info.Started {
		logger.Warn().Int("volume", req.VolumeNumber).Msg("Volume registered after shipment start, ignoring")
		return nil
	}

	vol := &VolumeShipmentState{
		VolumeNumber: req.VolumeNumber,
		BackupName:   backupName,
		Node:         req.Node,
		Port:         req.Port,
	}
	vol.Daemon = s.newDaemon(DaemonSpec{
		Key:          key,
		Remote:       req.Remote,
		Restore:      restore,
		VolumeNumber: req.VolumeNumber,
		BackupName:   backupName,
		Argv:         argv,
		Port:         req.Port,
		Store:        store,
		Compress:     compress,
	}, func(success bool, conflictingPort int) {
		s.postShipping(key, vol, success, conflictingPort)
	})

	s.mu.Lock()
	old, replaced := info.Volumes[req.VolumeNumber]
	if replaced {
		delete(info.PortsUsed, old.Port)
	}
	info.Volumes[req.VolumeNumber] = vol
	if req.Port > 0 {
		info.PortsUsed[req.Port] = struct{}{}
	}
	info.Remote = req.Remote
	info.Restore = restore
	info.store = store
	info.Props = req.Props
	info.ManifestKey = ManifestKey(key.Resource, key.Snapshot)
	if req.BasedOn != "" && req.BasedOn != key.Snapshot {
		info.BasedOnManifestKey = ManifestKey(key.Resource, req.BasedOn)
	}
	s.mu.Unlock()

	if replaced {
		old.Daemon.Shutdown(false)
	}

	logger.Debug().
		Int("volume", req.VolumeNumber).
		Str("backup", backupName).
		Bool("restore", restore).
		Msg("Volume registered")
	return nil
}

// AllBackupPartsRegistered starts every daemon of the shipment once. The
// upload id of each object storage daemon is published.
func (s *Service) AllBackupPartsRegistered(key ShippingKey) {
	unlock := s.locks.lock(key)
	defer unlock()

	info := s.info(key)
	if info == nil || info.Started {
		return
	}

	info.StartedAt = s.now()
	for _, nr := range sortedVolumes(info) {
		vol := info.Volumes[nr]
		vol.UploadID = vol.Daemon.Start()

		s.mu.Lock()
		s.started[key] = struct{}{}
		s.mu.Unlock()

		if vol.UploadID != "" {
			s.publish(events.EventShipmentUploadID, fmt.Sprintf("upload of %s started", vol.BackupName), &events.Shipment{
				Resource:   key.Resource,
				Snapshot:   key.Snapshot,
				Remote:     key.Remote,
				Restore:    info.Restore,
				BackupName: vol.BackupName,
				UploadID:   vol.UploadID,
			})
		}
	}
	s.mu.Lock()
	info.Started = true
	s.mu.Unlock()

	logger := log.WithShipment(key.Resource, key.Snapshot, key.Remote)
	logger.Info().
		Int("volumes", len(info.Volumes)).
		Bool("restore", info.Restore).
		Msg("Shipment started")
}

func (s *Service) info(key ShippingKey) *ShippingInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infos[key]
}

func sortedVolumes(info *ShippingInfo) []int {
	nrs := make([]int, 0, len(info.Volumes))
	for nr := range info.Volumes {
		nrs = append(nrs, nr)
	}
	sort.Ints(nrs)
	return nrs
}

func sortedPorts(ports map[int]struct{}) []int {
	out := make([]int, 0, len(ports))
	for p := range ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// postShipping collects the outcome of one volume. The last volume
// finalizes the shipment.
func (s *Service) postShipping(key ShippingKey, vol *VolumeShipmentState, success bool, conflictingPort int) {
	unlock := s.locks.lock(key)
	defer unlock()

	info := s.info(key)
	// finalized or killed in the meantime
	if info == nil || info.Volumes[vol.VolumeNumber] != vol || vol.finished {
		return
	}

	s.mu.Lock()
	vol.finished = true
	vol.FinishedAt = s.now()
	info.Finished++
	if success {
		info.Succeeded++
	}
	s.mu.Unlock()

	if !info.StartedAt.IsZero() {
		metrics.VolumeShippingDuration.WithLabelValues(string(info.Remote.Type)).
			Observe(vol.FinishedAt.Sub(info.StartedAt).Seconds())
	}
	if conflictingPort != 0 {
		info.ConflictingPorts[conflictingPort] = struct{}{}
		delete(info.PortsUsed, conflictingPort)
		metrics.PortConflicts.Inc()
	}

	if info.Finished < len(info.Volumes) {
		return
	}
	s.finalize(info)
}

// finalize reports the shipment and forgets it. Must hold the key lock.
func (s *Service) finalize(info *ShippingInfo) {
	key := info.Key
	logger := log.WithShipment(key.Resource, key.Snapshot, key.Remote)
	shipment := &events.Shipment{
		Resource: key.Resource,
		Snapshot: key.Snapshot,
		Remote:   key.Remote,
		Restore:  info.Restore,
		Ports:    sortedPorts(info.PortsUsed),
	}

	var (
		result  string
		typ     events.EventType
		message string
		names   []string
	)
	if len(info.ConflictingPorts) > 0 {
		result = "conflict"
		typ = events.EventShipmentConflict
		message = "ports already in use"
		shipment.ConflictingPorts = sortedPorts(info.ConflictingPorts)
		logger.Warn().Ints("ports", shipment.ConflictingPorts).Msg("Shipment hit ports in use")
	} else {
		success := info.Succeeded == info.Finished
		if success && !info.Restore {
			if err := s.uploadManifest(s.context(), info, info.store); err != nil {
				logger.Error().Err(err).Msg("Failed to store manifest")
				success = false
			}
		}

		result = "failure"
		if success {
			result = "success"
		}
		typ = events.EventShipmentFinished
		message = "shipment " + result
		shipment.Success = success
		logger.Info().
			Bool("success", success).
			Int("succeeded", info.Succeeded).
			Int("volumes", info.Finished).
			Msg("Shipment finished")

		for _, nr := range sortedVolumes(info) {
			names = append(names, info.Volumes[nr].BackupName)
		}
	}

	// the post action already fired for every daemon
	for _, vol := range info.Volumes {
		vol.Daemon.Shutdown(false)
	}

	s.mu.Lock()
	delete(s.infos, key)
	delete(s.started, key)
	if names != nil {
		s.finished[key] = append(s.finished[key], names...)
	}
	s.mu.Unlock()

	remoteType := ""
	if info.Remote != nil {
		remoteType = string(info.Remote.Type)
	}
	metrics.ShipmentsFinished.WithLabelValues(remoteType, result).Inc()

	// published last, a shipment may be registered again once it is reported
	s.publish(typ, message, shipment)
}

func (s *Service) publish(typ events.EventType, msg string, shipment *events.Shipment) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(&events.Event{
		Type:      typ,
		Timestamp: s.now(),
		Message:   msg,
		Shipment:  shipment,
	})
}

// PrepareAbort marks every daemon of the shipment as about to be aborted
func (s *Service) PrepareAbort(key ShippingKey) {
	unlock := s.locks.lock(key)
	defer unlock()

	info := s.info(key)
	if info == nil {
		return
	}
	for _, vol := range info.Volumes {
		vol.Daemon.SetPrepareAbort()
	}
}

// Abort shuts down the daemon of one volume
func (s *Service) Abort(key ShippingKey, volumeNumber int, runPostAction bool) {
	unlock := s.locks.lock(key)
	defer unlock()

	info := s.info(key)
	if info == nil {
		s.logger.Debug().Str("shipment", key.String()).Msg("Nothing to abort")
		return
	}
	if vol, ok := info.Volumes[volumeNumber]; ok {
		logger := log.WithShipment(key.Resource, key.Snapshot, key.Remote)
		logger.Debug().
			Int("volume", volumeNumber).
			Msg("Aborting volume shipment")
		vol.Daemon.Shutdown(runPostAction)
	}
}

// AbortAll shuts down every daemon of every shipment of the snapshot and
// waits for them. Post actions still run so the shipments are finalized.
// It reports whether all daemons stopped within timeout.
func (s *Service) AbortAll(resource, snapshot string, timeout time.Duration) bool {
	s.mu.RLock()
	daemons := s.daemonsLocked(func(k ShippingKey) bool {
		return k.Resource == resource && k.Snapshot == snapshot
	})
	s.mu.RUnlock()

	for _, d := range daemons {
		d.Shutdown(true)
	}
	return awaitAll(daemons, timeout)
}

// KillAllShipping stops every daemon without reporting and forgets every
// in-flight shipment. Used when the connection to the control plane is lost.
func (s *Service) KillAllShipping() {
	s.mu.Lock()
	daemons := s.daemonsLocked(func(ShippingKey) bool { return true })
	s.infos = make(map[ShippingKey]*ShippingInfo)
	s.mu.Unlock()

	for _, d := range daemons {
		d.Shutdown(false)
	}
	if len(daemons) > 0 {
		s.logger.Warn().Int("daemons", len(daemons)).Msg("Killed all shipments")
	}
}

// AlreadyStarted reports whether the daemons of the shipment were started
func (s *Service) AlreadyStarted(key ShippingKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.started[key]
	return ok
}

// AlreadyFinished reports whether backupName was shipped by the shipment
func (s *Service) AlreadyFinished(key ShippingKey, backupName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.finished[key] {
		if name == backupName {
			return true
		}
	}
	return false
}

// SnapshotDeleted drops the started and finished records of a snapshot
func (s *Service) SnapshotDeleted(resource, snapshot string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.started {
		if key.Resource == resource && key.Snapshot == snapshot {
			delete(s.started, key)
		}
	}
	for key := range s.finished {
		if key.Resource == resource && key.Snapshot == snapshot {
			delete(s.finished, key)
		}
	}
}

// TrackedSnapshots returns resource/snapshot of every started or finished
// record
func (s *Service) TrackedSnapshots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for key := range s.started {
		seen[key.Resource+"/"+key.Snapshot] = struct{}{}
	}
	for key := range s.finished {
		seen[key.Resource+"/"+key.Snapshot] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SplitSnapshotKey splits a value of TrackedSnapshots
func SplitSnapshotKey(key string) (resource, snapshot string) {
	resource, snapshot, _ = strings.Cut(key, "/")
	return resource, snapshot
}

// AwaitListening waits until every listening daemon of the shipment
// reported that its listener is ready. It returns false on timeout, when a
// pipeline stopped without listening or when the shipment is unknown.
func (s *Service) AwaitListening(key ShippingKey, timeout time.Duration) bool {
	type listener interface {
		Ready() <-chan struct{}
		Done() <-chan struct{}
	}

	s.mu.RLock()
	info, ok := s.infos[key]
	var listeners []listener
	if ok && info.Restore {
		for _, vol := range info.Volumes {
			if l, ok := vol.Daemon.(listener); ok {
				listeners = append(listeners, l)
			}
		}
	}
	s.mu.RUnlock()
	if !ok {
		return false
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, l := range listeners {
		select {
		case <-l.Ready():
		case <-l.Done():
			// a pipeline may finish right after it announced its listener
			select {
			case <-l.Ready():
			default:
				return false
			}
		case <-deadline.C:
			return false
		}
	}
	return true
}

// InFlight returns the number of shipments not finalized yet
func (s *Service) InFlight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.infos)
}

// RunningDaemons returns the number of started daemons without outcome
func (s *Service) RunningDaemons() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, info := range s.infos {
		if !info.Started {
			continue
		}
		for _, vol := range info.Volumes {
			if !vol.finished {
				n++
			}
		}
	}
	return n
}

// Shipments returns the keys of the in-flight shipments
func (s *Service) Shipments() []ShippingKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]ShippingKey, 0, len(s.infos))
	for k := range s.infos {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
