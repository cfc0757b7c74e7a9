package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/cuemby/ferry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreMultipart(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	id, err := m.InitMultipart(ctx, "db_00000_back_20240101_020000")
	require.NoError(t, err)
	assert.Equal(t, 1, m.OpenUploads())

	require.NoError(t, m.PutObjectMultipart(ctx, "db_00000_back_20240101_020000", id, strings.NewReader("data")))
	assert.Equal(t, 0, m.OpenUploads())

	rc, err := m.GetObject(ctx, "db_00000_back_20240101_020000")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "data", string(data))

	err = m.PutObjectMultipart(ctx, "other", "unknown", strings.NewReader(""))
	assert.True(t, IsNotFound(err))

	_, err = m.GetObject(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestMemStoreAbortAndList(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	m.FailPut = "_00001_"

	id, _ := m.InitMultipart(ctx, "db_00001_back")
	assert.Error(t, m.PutObjectMultipart(ctx, "db_00001_back", id, strings.NewReader("x")))
	require.NoError(t, m.AbortMultipart(ctx, "db_00001_back", id))
	assert.Equal(t, []string{"db_00001_back"}, m.Aborted())
	assert.Equal(t, 0, m.OpenUploads())

	require.NoError(t, m.PutObject(ctx, "db_back_1.meta", []byte("{}")))
	require.NoError(t, m.PutObject(ctx, "db_back_2.meta", []byte("{}")))
	require.NoError(t, m.PutObject(ctx, "web_back_1.meta", []byte("{}")))

	keys, err := m.ListObjects(ctx, "db_")
	require.NoError(t, err)
	assert.Equal(t, []string{"db_back_1.meta", "db_back_2.meta"}, keys)
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"mem", fmt.Errorf("x: %w", ErrNotFound), true},
		{"no such upload", &smithy.GenericAPIError{Code: "NoSuchUpload"}, true},
		{"wrapped no such key", fmt.Errorf("get: %w", &smithy.GenericAPIError{Code: "NoSuchKey"}), true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNotFound(tt.err))
		})
	}
}

func TestNewS3StoreRejectsClusterRemote(t *testing.T) {
	_, err := NewS3Store(context.Background(), &types.Remote{Name: "peer", Type: types.RemoteTypeCluster}, "")
	assert.Error(t, err)
}

func TestWithPartSizeClamps(t *testing.T) {
	s := &S3Store{partSize: DefaultPartSize}
	assert.Equal(t, int64(MinPartSize), s.WithPartSize(1024).partSize)
	assert.Equal(t, int64(64*1024*1024), s.WithPartSize(64*1024*1024).partSize)
}
