package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProps(t *testing.T) {
	p := Props{}
	p.Set("Enabled", "Schedule/s3/nightly", "true")
	p.Set("PrefNode", "Schedule/s3/nightly", "node-a")
	p.Set("Other", "", "x")

	v, ok := p.Get("Enabled", "Schedule/s3/nightly")
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	_, ok = p.Get("Enabled", "Schedule/s3/weekly")
	assert.False(t, ok)

	v, ok = p.Get("Other", "")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	assert.Equal(t, map[string]string{
		"s3/nightly/Enabled":  "true",
		"s3/nightly/PrefNode": "node-a",
	}, p.Namespace("Schedule"))

	assert.True(t, p.Remove("Enabled", "Schedule/s3/nightly"))
	assert.False(t, p.Remove("Enabled", "Schedule/s3/nightly"))

	var nilProps Props
	_, ok = nilProps.Get("x", "")
	assert.False(t, ok)
}

func TestBackupName(t *testing.T) {
	tests := []struct {
		name     string
		rsc      string
		suffix   string
		volNr    int
		snapshot string
		want     string
	}{
		{"no suffix", "db", "", 0, "back_20240101_020000", "db_00000_back_20240101_020000"},
		{"suffix", "db", ".rename", 12, "back_20240101_020000", "db.rename_00012_back_20240101_020000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BackupName(tt.rsc, tt.suffix, tt.volNr, tt.snapshot))
		})
	}
}

func TestDiskfulNodes(t *testing.T) {
	rd := &ResourceDefinition{
		Name: "db",
		Placements: []Placement{
			{Node: "a"},
			{Node: "b", Diskless: true},
			{Node: "c"},
		},
	}
	assert.Equal(t, []string{"a", "c"}, rd.DiskfulNodes())
	assert.True(t, rd.HasDiskfulNode("a"))
	assert.False(t, rd.HasDiskfulNode("b"))
	assert.False(t, rd.HasDiskfulNode("z"))
}

func TestOnFailureValid(t *testing.T) {
	assert.True(t, OnFailureSkip.Valid())
	assert.True(t, OnFailureRetry.Valid())
	assert.False(t, OnFailure("ABORT").Valid())
}

func TestSnapshotName(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 7, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "back_20240309_130507", SnapshotName(at))
}
