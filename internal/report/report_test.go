package report

import (
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	id := NewRunID()
	path, err := Write(fs, "/reports", "ingest", id, map[string]int{"kept": 1})
	require.NoError(t, err)
	assert.Equal(t, "/reports/ingest_"+id+".json", path)

	b, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, 1, got["kept"])

	exists, err := afero.Exists(fs, path+".tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunIDsAreUniqueAndSorted(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 26)
}
