package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vodproxy/internal/config"
)

func TestToMap(t *testing.T) {
	cfg, err := config.Read("")
	require.NoError(t, err)

	m := toMap(cfg)

	server, ok := m["server"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 8080, server["port"])
	assert.Equal(t, (30 * time.Second).String(), server["read_timeout"])

	storage, ok := m["storage"].(map[string]any)
	require.True(t, ok)
	minio, ok := storage["minio"].(map[string]any)
	require.True(t, ok, "nested structs become nested maps")
	assert.Equal(t, "originals", minio["bucket"])

	cleanup, ok := m["cleanup"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0 0 * * * *", cleanup["schedule"])
}
