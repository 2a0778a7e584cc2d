package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/velos-memory/internal/server"
	"github.com/rcliao/velos-memory/internal/store"
)

func withFormat(t *testing.T, f string) {
	t.Helper()
	old := formatFlag
	formatFlag = f
	t.Cleanup(func() { formatFlag = old })
}

func TestWriteErrJSON(t *testing.T) {
	withFormat(t, "json")
	var buf bytes.Buffer
	writeErr(&buf, "put", fmt.Errorf("insert memory: %w", store.ErrDuplicate))

	var got server.ErrorResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got), buf.String())
	assert.Equal(t, server.CodeConflict, got.Error.Code)
	assert.Contains(t, got.Error.Message, "put: insert memory")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestWriteErrText(t *testing.T) {
	withFormat(t, "text")
	var buf bytes.Buffer
	writeErr(&buf, "open store", errors.New("disk gone"))
	assert.Equal(t, "error: open store: disk gone\n", buf.String())
}

func TestPutRoleLeftToNormalizer(t *testing.T) {
	cmd, _, err := RootCmd.Find([]string{"put"})
	require.NoError(t, err)
	assert.Equal(t, "", cmd.Flags().Lookup("role").DefValue)
}
