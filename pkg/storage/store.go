package storage

import (
	"errors"

	"github.com/cuemby/ferry/pkg/types"
)

// ErrNotFound is wrapped by every lookup of a missing record
var ErrNotFound = errors.New("not found")

// Store defines the interface for control plane state storage
type Store interface {
	// Schedules
	CreateSchedule(schedule *types.Schedule) error
	GetSchedule(name string) (*types.Schedule, error)
	ListSchedules() ([]*types.Schedule, error)
	UpdateSchedule(schedule *types.Schedule) error
	DeleteSchedule(name string) error

	// Remotes
	CreateRemote(remote *types.Remote) error
	GetRemote(name string) (*types.Remote, error)
	ListRemotes() ([]*types.Remote, error)
	DeleteRemote(name string) error

	// Nodes
	CreateNode(node *types.Node) error
	GetNode(name string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(name string) error

	// Resource groups
	CreateResourceGroup(group *types.ResourceGroup) error
	GetResourceGroup(name string) (*types.ResourceGroup, error)
	ListResourceGroups() ([]*types.ResourceGroup, error)
	UpdateResourceGroup(group *types.ResourceGroup) error
	DeleteResourceGroup(name string) error

	// Resource definitions
	CreateResourceDefinition(rd *types.ResourceDefinition) error
	GetResourceDefinition(name string) (*types.ResourceDefinition, error)
	ListResourceDefinitions() ([]*types.ResourceDefinition, error)
	UpdateResourceDefinition(rd *types.ResourceDefinition) error
	DeleteResourceDefinition(name string) error

	// Controller properties
	GetControllerProps() (types.Props, error)
	SetControllerProps(props types.Props) error

	// DeleteProps removes every property key matching fn from all resource
	// definitions, resource groups and the controller in one transaction
	DeleteProps(fn func(key string) bool) error

	// Snapshots
	CreateSnapshot(snapshot *types.Snapshot) error
	GetSnapshot(rsc, name string) (*types.Snapshot, error)
	ListSnapshots() ([]*types.Snapshot, error)
	DeleteSnapshot(rsc, name string) error

	// Manifests
	SaveManifest(record *types.ManifestRecord) error
	GetManifest(remote, key string) (*types.ManifestRecord, error)
	ListManifests(remote string) ([]*types.ManifestRecord, error)

	// Utility
	Close() error
}
