package network

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrExhausted is returned when the range has not enough free ports
var ErrExhausted = errors.New("no free ports left")

// DefaultQuarantine keeps a port reported in use out of the pool
const DefaultQuarantine = 10 * time.Minute

// PortRange is an inclusive range of TCP ports
type PortRange struct {
	Min int
	Max int
}

// ParsePortRange parses "min-max"
func ParsePortRange(s string) (PortRange, error) {
	var r PortRange
	if _, err := fmt.Sscanf(s, "%d-%d", &r.Min, &r.Max); err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	if err := r.Validate(); err != nil {
		return PortRange{}, err
	}
	return r, nil
}

// Validate checks that the range is non-empty and inside 1-65535
func (r PortRange) Validate() error {
	if r.Min < 1 || r.Max > 65535 || r.Min > r.Max {
		return fmt.Errorf("invalid port range %d-%d", r.Min, r.Max)
	}
	return nil
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// PortPool hands out listener ports for stream shipments. Ports are owned
// by a shipment attempt until released. Ports found in use by someone else
// are quarantined and not handed out again until the quarantine ends.
type PortPool struct {
	rng        PortRange
	quarantine time.Duration
	clock      clock.Clock

	mu          sync.Mutex
	next        int
	owners      map[int]string   // port -> owner
	owned       map[string][]int // owner -> ports
	quarantined map[int]time.Time
}

// NewPortPool creates a pool over rng. A zero quarantine means
// DefaultQuarantine.
func NewPortPool(rng PortRange, quarantine time.Duration, clk clock.Clock) *PortPool {
	if quarantine <= 0 {
		quarantine = DefaultQuarantine
	}
	if clk == nil {
		clk = clock.New()
	}
	return &PortPool{
		rng:         rng,
		quarantine:  quarantine,
		clock:       clk,
		next:        rng.Min,
		owners:      make(map[int]string),
		owned:       make(map[string][]int),
		quarantined: make(map[int]time.Time),
	}
}

// Allocate reserves n ports for owner. Either all n ports are reserved or
// none.
func (p *PortPool) Allocate(owner string, n int) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	size := p.rng.Max - p.rng.Min + 1
	ports := make([]int, 0, n)
	for i := 0; i < size && len(ports) < n; i++ {
		port := p.next
		p.next++
		if p.next > p.rng.Max {
			p.next = p.rng.Min
		}

		if _, taken := p.owners[port]; taken {
			continue
		}
		if until, ok := p.quarantined[port]; ok {
			if now.Before(until) {
				continue
			}
			delete(p.quarantined, port)
		}
		ports = append(ports, port)
	}
	if len(ports) < n {
		return nil, fmt.Errorf("%w in %s: need %d, found %d", ErrExhausted, p.rng, n, len(ports))
	}

	for _, port := range ports {
		p.owners[port] = owner
	}
	p.owned[owner] = append(p.owned[owner], ports...)
	return ports, nil
}

// Release returns every port of owner to the pool
func (p *PortPool) Release(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, port := range p.owned[owner] {
		if p.owners[port] == owner {
			delete(p.owners, port)
		}
	}
	delete(p.owned, owner)
}

// Quarantine keeps ports out of the pool for the quarantine period
func (p *PortPool) Quarantine(ports ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	until := p.clock.Now().Add(p.quarantine)
	for _, port := range ports {
		if port >= p.rng.Min && port <= p.rng.Max {
			p.quarantined[port] = until
		}
	}
}

// Owned returns the ports reserved by owner in ascending order
func (p *PortPool) Owned(owner string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ports := append([]int(nil), p.owned[owner]...)
	sort.Ints(ports)
	return ports
}

// InUse returns the number of reserved ports
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owners)
}
