package version

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	assert.NotEmpty(t, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Contains(t, info.Platform, runtime.GOOS)
	assert.Contains(t, info.Platform, runtime.GOARCH)
}

func TestString(t *testing.T) {
	originalCommit := Commit
	defer func() { Commit = originalCommit }()

	Commit = "unknown"
	assert.True(t, strings.HasPrefix(String(), ApplicationName+" version "))

	Commit = "0123456789abcdef"
	assert.Contains(t, String(), "commit: 01234567")
}

func TestShort(t *testing.T) {
	originalVersion, originalCommit := Version, Commit
	defer func() { Version, Commit = originalVersion, originalCommit }()

	Version = "1.2.0"
	Commit = "unknown"
	assert.Equal(t, "1.2.0", Short())

	Commit = "feedfacecafebeef"
	assert.Equal(t, "1.2.0 (feedface)", Short())
}

func TestUserAgent(t *testing.T) {
	assert.True(t, strings.HasPrefix(UserAgent(), ApplicationName+"/"))
}

func TestJSON(t *testing.T) {
	var info Info
	require.NoError(t, json.Unmarshal([]byte(JSON()), &info))
	assert.Equal(t, Version, info.Version)
}
