//go:build cloudintegration

package minio_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/vidgen/pkg/provider/minio"
	"github.com/3leaps/vidgen/test/cloudtest"
)

func TestProvider_Upload_MinioIntegration(t *testing.T) {
	endpoint := cloudtest.RequireEnv(t, cloudtest.MinioEndpointEnv)
	ctx := context.Background()

	p, err := minio.New(minio.Config{
		Endpoint:  endpoint,
		AccessKey: cloudtest.EnvOrDefault("VIDGEN_TEST_MINIO_ACCESS_KEY", "minioadmin"),
		SecretKey: cloudtest.EnvOrDefault("VIDGEN_TEST_MINIO_SECRET_KEY", "minioadmin"),
		Bucket:    cloudtest.EnvOrDefault("VIDGEN_TEST_MINIO_BUCKET", "vidgen-test"),
	})
	require.NoError(t, err)

	if err := p.Ping(ctx); err != nil {
		t.Skipf("minio bucket not ready: %v", err)
	}

	res, err := p.Upload(ctx, []byte("fake mp4 bytes"), "video-1.mp4", "user-videos")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Key, "user-videos/"))
	assert.True(t, strings.HasSuffix(res.URL, res.Key))

	require.NoError(t, p.DeleteObject(ctx, res.Key))
}
