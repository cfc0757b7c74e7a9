package network

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		in      string
		want    PortRange
		wantErr bool
	}{
		{"12000-12999", PortRange{12000, 12999}, false},
		{"7000-7000", PortRange{7000, 7000}, false},
		{"9000-8000", PortRange{}, true},
		{"0-10", PortRange{}, true},
		{"1-70000", PortRange{}, true},
		{"ports", PortRange{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePortRange(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortPoolAllocate(t *testing.T) {
	pool := NewPortPool(PortRange{Min: 7000, Max: 7004}, 0, nil)

	a, err := pool.Allocate("a", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{7000, 7001, 7002}, a)

	_, err = pool.Allocate("b", 3)
	assert.True(t, errors.Is(err, ErrExhausted))
	assert.Empty(t, pool.Owned("b"), "failed allocations reserve nothing")

	b, err := pool.Allocate("b", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{7003, 7004}, b)
	assert.Equal(t, 5, pool.InUse())

	pool.Release("a")
	assert.Equal(t, 2, pool.InUse())
	assert.Empty(t, pool.Owned("a"))

	c, err := pool.Allocate("c", 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{7000, 7001, 7002}, c)
	assert.Equal(t, []int{7003, 7004}, pool.Owned("b"))
}

func TestPortPoolQuarantine(t *testing.T) {
	clk := clock.NewMock()
	pool := NewPortPool(PortRange{Min: 7000, Max: 7002}, time.Minute, clk)

	ports, err := pool.Allocate("first", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{7000, 7001}, ports)

	// 7001 was in use by someone else, retry with disjoint ports
	pool.Quarantine(7001, 9999)
	pool.Release("first")

	retry, err := pool.Allocate("retry", 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{7002, 7000}, retry)
	assert.NotContains(t, retry, 7001)

	pool.Release("retry")
	_, err = pool.Allocate("full", 3)
	assert.True(t, errors.Is(err, ErrExhausted))

	clk.Add(time.Minute)
	all, err := pool.Allocate("full", 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{7000, 7001, 7002}, all)
}
