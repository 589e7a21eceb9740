// ABOUTME: Tests for scope parsing, ordering, and text marshaling
// ABOUTME: Verifies the total order READ_ONLY < READ_WRITE < ADMIN

package scope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Scope
	}{
		{"READ_ONLY", ReadOnly},
		{"read_only", ReadOnly},
		{"read-write", ReadWrite},
		{" ADMIN ", Admin},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Parse("superuser")
	assert.ErrorIs(t, err, ErrUnknownScope)
}

func TestSatisfies(t *testing.T) {
	for _, granted := range All {
		for _, required := range All {
			assert.Equal(t, granted >= required, granted.Satisfies(required),
				"%s vs %s", granted, required)
		}
	}

	var zero Scope
	assert.False(t, zero.Satisfies(ReadOnly))
	assert.False(t, Admin.Satisfies(zero))
}

func TestScope_JSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(map[string]Scope{"scope": ReadWrite})
	require.NoError(t, err)
	assert.JSONEq(t, `{"scope":"READ_WRITE"}`, string(data))

	var decoded map[string]Scope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ReadWrite, decoded["scope"])

	_, err = json.Marshal(Scope(0))
	assert.Error(t, err)
}
