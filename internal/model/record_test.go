package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagsRoundTrip(t *testing.T) {
	tags := NewTags("ops", "db", "ops", " ", "alert")
	assert.Equal(t, Tags{"alert", "db", "ops"}, tags)
	assert.Equal(t, `["alert","db","ops"]`, tags.String())

	parsed := ParseTags(Tags{"db", "alert", "ops"}.String())
	assert.True(t, parsed.Equal(Tags{"ops", "alert", "db"}))
}

func TestParseTagsMalformed(t *testing.T) {
	assert.Nil(t, ParseTags("not json"))
	assert.Nil(t, ParseTags("[]"))
	assert.Nil(t, ParseTags(""))
}

func TestRecordJSONHidesOffset(t *testing.T) {
	r := Record{ID: 3, TS: 10, Role: "user", Insight: "hello world again", Offset: 99, Tags: Tags{"b", "a"}}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "99")
	assert.Contains(t, string(b), `"tags":["a","b"]`)
}

func TestPatchApply(t *testing.T) {
	r := Record{Insight: "old", Raw: "keep", Role: "user"}
	insight := "new"
	tags := Tags{"x", "x"}
	got := Patch{Insight: &insight, Tags: &tags}.Apply(r)
	assert.Equal(t, "new", got.Insight)
	assert.Equal(t, "keep", got.Raw)
	assert.Equal(t, Tags{"x"}, got.Tags)
	assert.Equal(t, "old", r.Insight)
}

func TestRecordEmpty(t *testing.T) {
	assert.True(t, Record{Insight: "  "}.Empty())
	assert.False(t, Record{Raw: "payload"}.Empty())
	assert.Equal(t, "payload", Record{Raw: "payload"}.Text())
}
