package ident

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsWellFormed(t *testing.T) {
	id := New("tbl")
	kind, err := Parse(id)
	require.NoError(t, err)
	assert.Equal(t, "tbl", kind)
	assert.True(t, Is(id, "tbl"))
	assert.False(t, Is(id, "hand"))
}

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New("hand")
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestIDsSortByCreationTime(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = newAt("tbl", base.Add(time.Duration(i)*time.Millisecond))
	}
	assert.True(t, sort.StringsAreSorted(ids))
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"no prefix", "01h5n0et5q6mt3v7ms1234abcd"},
		{"empty kind", "_01h5n0et5q6mt3v7ms1234abcd"},
		{"too short", "tbl_01h5n0et5q"},
		{"leading char out of range", "tbl_81h5n0et5q6mt3v7ms1234abcd"},
		{"bad alphabet", "tbl_01h5n0et5q6mt3v7ms1234abcu"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.id)
			assert.Error(t, err)
		})
	}
}
