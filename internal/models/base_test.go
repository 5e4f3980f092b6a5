package models

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID_SortsInCreationOrder(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = NewULID().String()
	}
	assert.True(t, sort.StringsAreSorted(ids), "ids from one process are monotonic")
	assert.Len(t, ids[0], 26)
}

func TestParseULID(t *testing.T) {
	id := NewULID()

	parsed, err := ParseULID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.WithinDuration(t, id.Time(), parsed.Time(), 0)

	for _, bad := range []string{"", "not-a-ulid", "01ARZ3NDEKTSV4RRFFQ69G5FA!"} {
		_, err := ParseULID(bad)
		assert.Error(t, err, bad)
	}
}

func TestULID_DatabaseRoundTrip(t *testing.T) {
	id := NewULID()

	v, err := id.Value()
	require.NoError(t, err)
	assert.Equal(t, id.String(), v)

	var fromString, fromBytes ULID
	require.NoError(t, fromString.Scan(v))
	require.NoError(t, fromBytes.Scan([]byte(id.String())))
	assert.Equal(t, id, fromString)
	assert.Equal(t, id, fromBytes)

	var zero ULID
	v, err = zero.Value()
	require.NoError(t, err)
	assert.Nil(t, v, "unset ids are stored as NULL")

	scanned := NewULID()
	require.NoError(t, scanned.Scan(nil))
	assert.True(t, scanned.IsZero())

	assert.Error(t, scanned.Scan(42))
	assert.Error(t, scanned.Scan("bogus"))
}

func TestULID_JSON(t *testing.T) {
	type wrapper struct {
		ID    ULID  `json:"id"`
		Genre *ULID `json:"genre"`
	}

	id := NewULID()
	data, err := json.Marshal(wrapper{ID: id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"`+id.String()+`","genre":null}`, string(data))

	var decoded wrapper
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded.ID)

	var zero wrapper
	data, err = json.Marshal(zero)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":null,"genre":null}`, string(data))

	assert.Error(t, json.Unmarshal([]byte(`{"id":12}`), &decoded))
}

func TestBoolVal(t *testing.T) {
	assert.True(t, BoolVal(nil), "nil follows the column default")
	assert.True(t, BoolVal(BoolPtr(true)))
	assert.False(t, BoolVal(BoolPtr(false)))
}
