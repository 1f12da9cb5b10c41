package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patelg123/cumulus/cumulustypes"
)

const samplePayload = `{
  "provider": {
    "id": "podaac",
    "protocol": "https",
    "host": "podaac-tools.jpl.nasa.gov",
    "basePath": "drive/files"
  },
  "collection": {
    "name": "MOD09GQ",
    "version": "006",
    "duplicateHandling": "version"
  },
  "staging": {
    "bucket": "cumulus-staging",
    "prefix": "stack-prod"
  },
  "granules": [
    {
      "granuleId": "MOD09GQ.A2017025.h21v00.006",
      "dataType": "MOD09GQ",
      "files": [
        {
          "name": "granule-001.hdf",
          "sourcePath": "data/granule-001.hdf",
          "checksum": "abc123",
          "checksumType": "sha256"
        }
      ]
    },
    {
      "granuleId": "MOD09GQ.A2017026.h21v00.006",
      "dataType": "MOD09GQ",
      "files": [
        {"name": "granule-002.hdf", "sourcePath": "data/granule-002.hdf"}
      ]
    }
  ]
}`

func writePayload(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPayload(t *testing.T) {
	payload, err := loadPayload(writePayload(t, samplePayload))
	require.NoError(t, err)

	assert.Equal(t, "podaac", payload.Provider.ID)
	assert.Equal(t, cumulustypes.ProtocolHTTPS, payload.Provider.Protocol)
	assert.Equal(t, cumulustypes.DuplicateVersion, payload.Collection.Mode())
	assert.Equal(t, "cumulus-staging", payload.Staging.Bucket)
	require.Len(t, payload.Granules, 2)
	assert.Equal(t, "sha256", payload.Granules[0].Files[0].ChecksumType)
}

func TestLoadPayloadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := loadPayload(filepath.Join(t.TempDir(), "absent.json"))
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := loadPayload(writePayload(t, "{not json"))
		assert.Error(t, err)
	})

	t.Run("no granules", func(t *testing.T) {
		_, err := loadPayload(writePayload(t, `{"granules": []}`))
		assert.Error(t, err)
	})
}

func TestPayloadRequests(t *testing.T) {
	payload, err := loadPayload(writePayload(t, samplePayload))
	require.NoError(t, err)

	requests := payload.requests()
	require.Len(t, requests, 2)

	for i, req := range requests {
		assert.Equal(t, payload.Granules[i].GranuleID, req.Granule.GranuleID)
		assert.Equal(t, payload.Provider, req.Provider)
		assert.Equal(t, payload.Collection, req.Collection)
		assert.Equal(t, payload.Staging, req.Staging)
	}
}

func TestRootCommandFlags(t *testing.T) {
	root := NewRootCmd()
	assert.NotNil(t, root.Flags().Lookup("payload"))
	assert.NotNil(t, root.Flags().Lookup("lock-table"))
	assert.NotNil(t, root.Flags().Lookup("parallelism"))
}
