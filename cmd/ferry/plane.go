package main

import (
	"context"
	"fmt"

	"github.com/cuemby/ferry/pkg/dispatch"
	"github.com/cuemby/ferry/pkg/events"
	"github.com/cuemby/ferry/pkg/log"
	"github.com/cuemby/ferry/pkg/network"
	"github.com/cuemby/ferry/pkg/objstore"
	"github.com/cuemby/ferry/pkg/security"
	"github.com/cuemby/ferry/pkg/shipping"
	"github.com/cuemby/ferry/pkg/storage"
	"github.com/cuemby/ferry/pkg/types"
)

// plane holds the shipping side shared by ferry run and offline restores
type plane struct {
	store      *storage.BoltStore
	broker     *events.Broker
	sender     *shipping.Service
	receiver   *shipping.Service
	dispatcher *dispatch.Dispatcher
}

// objectStores opens S3 remotes with their unsealed secret key
func objectStores(sealer *security.Sealer) shipping.StoreResolver {
	return func(ctx context.Context, remote *types.Remote) (objstore.Store, error) {
		if sealer == nil {
			return nil, fmt.Errorf("remote %s: no master passphrase to open its secret key", remote.Name)
		}
		secret, err := sealer.OpenRemote(remote)
		if err != nil {
			return nil, fmt.Errorf("remote %s: %w", remote.Name, err)
		}
		s3, err := objstore.NewS3Store(ctx, remote, secret)
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
}

// newPlane builds the broker, the shipping services and the dispatcher on
// top of an open store. Nothing is started yet.
func newPlane(store *storage.BoltStore, rearmer dispatch.Rearmer) (*plane, error) {
	var sealer *security.Sealer
	if cfg.MasterPassphrase != "" {
		var err error
		if sealer, err = newSealer(); err != nil {
			return nil, err
		}
	} else {
		log.Warn("No master passphrase configured, S3 remotes cannot be used")
	}

	rng, err := network.ParsePortRange(cfg.Shipping.PortRange)
	if err != nil {
		return nil, err
	}
	templates, err := dispatch.ParseTemplates(cfg.Shipping.SendTemplate, cfg.Shipping.ReceiveTemplate)
	if err != nil {
		return nil, err
	}

	p := &plane{
		store:  store,
		broker: events.NewBroker(),
	}
	stores := objectStores(sealer)
	p.sender = shipping.NewService(shipping.Options{
		Config:   cfg.ShippingService(),
		Notifier: p.broker,
		Stores:   stores,
		Recorder: store,
	})

	opts := dispatch.Options{
		Config:    cfg.Dispatcher(),
		Store:     store,
		Sender:    p.sender,
		Schedules: rearmer,
		Broker:    p.broker,
		Stores:    stores,
		Ports:     network.NewPortPool(rng, 0, nil),
		Templates: templates,
	}
	if cfg.Shipping.LocalReceiver {
		p.receiver = shipping.NewService(shipping.Options{
			Config:   cfg.ShippingService(),
			Notifier: p.broker,
			Stores:   stores,
		})
		opts.Receiver = p.receiver
	}
	p.dispatcher = dispatch.NewDispatcher(opts)
	return p, nil
}

// start starts the broker, the shipping services and the dispatcher
func (p *plane) start(ctx context.Context) error {
	p.broker.Start()
	if err := p.sender.Start(ctx); err != nil {
		return fmt.Errorf("failed to start shipping service: %w", err)
	}
	if p.receiver != nil {
		if err := p.receiver.Start(ctx); err != nil {
			return fmt.Errorf("failed to start receiving service: %w", err)
		}
	}
	p.dispatcher.Start(ctx)
	return nil
}

// stop shuts the shipping side down. Daemons still running get the
// shutdown timeout to exit.
func (p *plane) stop() {
	services := p.services()
	for _, svc := range services {
		svc.Shutdown()
	}
	for _, svc := range services {
		if !svc.AwaitShutdown(cfg.Scheduler.ShutdownTimeout) {
			log.Warn("Shipping daemons did not exit in time")
		}
	}
	p.dispatcher.Stop()
	p.broker.Stop()
}

// services returns the sender and, when configured, the local receiver
func (p *plane) services() []*shipping.Service {
	if p.receiver != nil {
		return []*shipping.Service{p.sender, p.receiver}
	}
	return []*shipping.Service{p.sender}
}
