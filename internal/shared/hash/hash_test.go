package hash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumKnownVector(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Default().SumString(""))
}

func TestReadFileHashesExecutedBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.js")
	require.NoError(t, os.WriteFile(path, []byte("console.log(1)"), 0o600))

	data, digest, err := Default().ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(data))
	assert.Equal(t, Default().Sum(data), digest)
}

func TestReadFileMissing(t *testing.T) {
	_, _, err := Default().ReadFile(filepath.Join(t.TempDir(), "nope.js"))
	assert.Error(t, err)
}
