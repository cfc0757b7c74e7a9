package main

import (
	"context"
	"testing"

	"github.com/cuemby/ferry/pkg/security"
	"github.com/cuemby/ferry/pkg/types"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduleFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("full", "", "")
	cmd.Flags().String("inc", "", "")
	cmd.Flags().Int("keep-local", 0, "")
	cmd.Flags().Int("keep-remote", 0, "")
	cmd.Flags().String("on-failure", string(types.OnFailureSkip), "")
	cmd.Flags().Int("max-retries", 0, "")
	cmd.Flags().String("location", "", "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestApplyScheduleFlags(t *testing.T) {
	sched := &types.Schedule{Name: "nightly"}
	cmd := scheduleFlags(t, "--full", "0 2 * * *", "--inc", "0 */4 * * *", "--on-failure", "retry", "--max-retries", "3")

	require.NoError(t, applyScheduleFlags(cmd, sched))
	assert.Equal(t, "0 2 * * *", sched.FullCron)
	assert.Equal(t, "0 */4 * * *", sched.IncCron)
	assert.Equal(t, types.OnFailureRetry, sched.OnFailure)
	assert.Equal(t, 3, sched.MaxRetries)

	// unchanged flags keep the stored values
	require.NoError(t, applyScheduleFlags(scheduleFlags(t, "--keep-local", "2"), sched))
	assert.Equal(t, "0 2 * * *", sched.FullCron)
	assert.Equal(t, types.OnFailureRetry, sched.OnFailure)
	assert.Equal(t, 2, sched.KeepLocal)
}

func TestApplyScheduleFlagsRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing full cron", args: nil},
		{name: "bad cron", args: []string{"--full", "every night"}},
		{name: "descriptor", args: []string{"--full", "@every 1h"}},
		{name: "bad policy", args: []string{"--full", "0 2 * * *", "--on-failure", "ignore"}},
		{name: "negative retention", args: []string{"--full", "0 2 * * *", "--keep-local", "-1"}},
		{name: "unknown location", args: []string{"--full", "0 2 * * *", "--location", "Mars/Olympus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := applyScheduleFlags(scheduleFlags(t, tt.args...), &types.Schedule{Name: "s"})
			assert.Error(t, err)
		})
	}
}

func TestObjectStores(t *testing.T) {
	remote := &types.Remote{Name: "s3-eu", Type: types.RemoteTypeS3, Bucket: "backups", AccessKey: "AKIA"}

	_, err := objectStores(nil)(context.Background(), remote)
	assert.ErrorContains(t, err, "no master passphrase")

	sealer, err := security.NewSealerFromPassphrase("correct horse")
	require.NoError(t, err)
	_, err = objectStores(sealer)(context.Background(), remote)
	assert.ErrorIs(t, err, security.ErrNoSecret)

	require.NoError(t, sealer.SealRemote(remote, "secret"))
	store, err := objectStores(sealer)(context.Background(), remote)
	require.NoError(t, err)
	assert.NotNil(t, store)
}

func TestOrDash(t *testing.T) {
	assert.Equal(t, "-", orDash(""))
	assert.Equal(t, "UTC", orDash("UTC"))
}
