// Package props resolves properties across the resource definition, its
// resource group and the controller, in that order.
package props

import (
	"strconv"
	"strings"

	"github.com/cuemby/ferry/pkg/types"
)

const (
	// NamespcSchedule is the root of all backup shipping properties
	NamespcSchedule = "Schedule"

	KeyEnabled        = "Enabled"
	KeyPrefNode       = "PrefNode"
	KeyForceRestore   = "ForceRestore"
	KeyRenameStorPool = "RenameStorPool"

	// KeySweeperRunEvery is the sweeper interval in minutes, read from the controller
	KeySweeperRunEvery = "Sweeper/RunEvery"
)

// ScheduleNamespace returns the namespace of a remote and schedule pair
func ScheduleNamespace(remote, schedule string) string {
	return NamespcSchedule + "/" + remote + "/" + schedule
}

// Priority looks a key up in a list of property maps, first hit wins
type Priority struct {
	containers []types.Props
}

// NewPriority builds a lookup over containers, highest priority first.
// Nil containers are skipped.
func NewPriority(containers ...types.Props) *Priority {
	p := &Priority{}
	for _, c := range containers {
		if c != nil {
			p.containers = append(p.containers, c)
		}
	}
	return p
}

// Get returns the value of key in namespace from the first container that has it
func (p *Priority) Get(key, namespace string) (string, bool) {
	for _, c := range p.containers {
		if v, ok := c.Get(key, namespace); ok {
			return v, true
		}
	}
	return "", false
}

// Bool returns the value as a bool, false when missing or malformed
func (p *Priority) Bool(key, namespace string) bool {
	v, ok := p.Get(key, namespace)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// Namespace merges the keys below namespace, higher priority containers win
func (p *Priority) Namespace(namespace string) map[string]string {
	out := make(map[string]string)
	for i := len(p.containers) - 1; i >= 0; i-- {
		for k, v := range p.containers[i].Namespace(namespace) {
			out[k] = v
		}
	}
	return out
}

// RenameMap returns the storage pool renames configured for a remote and schedule pair
func (p *Priority) RenameMap(remote, schedule string) map[string]string {
	return p.Namespace(ScheduleNamespace(remote, schedule) + "/" + KeyRenameStorPool)
}

// ShippingEnabled reports whether the remote and schedule pair is enabled
func (p *Priority) ShippingEnabled(remote, schedule string) bool {
	return p.Bool(KeyEnabled, ScheduleNamespace(remote, schedule))
}

// EnabledPairs returns every remote and schedule pair with an Enabled key set
// to true in any container. Lower priority containers can be overridden with
// Enabled=false.
func (p *Priority) EnabledPairs() [][2]string {
	var pairs [][2]string
	seen := make(map[[2]string]bool)
	for k := range p.Namespace(NamespcSchedule) {
		parts := strings.Split(k, "/")
		if len(parts) != 3 || parts[2] != KeyEnabled {
			continue
		}
		pair := [2]string{parts[0], parts[1]}
		if seen[pair] {
			continue
		}
		seen[pair] = true
		if p.ShippingEnabled(pair[0], pair[1]) {
			pairs = append(pairs, pair)
		}
	}
	return pairs
}
