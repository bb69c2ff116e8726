package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceListAcceptsArray(t *testing.T) {
	var l DeviceList
	require.NoError(t, json.Unmarshal([]byte(`[{"id":"b1","name":"lush"},{"id":"SIM"}]`), &l))

	require.Len(t, l, 2)
	assert.Equal(t, "b1", l[0].ID)
	assert.True(t, l[1].IsSimulator())
}

func TestDeviceListAcceptsKeyedObject(t *testing.T) {
	var l DeviceList
	require.NoError(t, json.Unmarshal([]byte(`{"zz":{"name":"edge"},"aa":{"id":"aa","name":"lush"}}`), &l))

	require.Len(t, l, 2)
	assert.Equal(t, "aa", l[0].ID)
	assert.Equal(t, "zz", l[1].ID, "id is filled from the key")
	assert.Equal(t, "edge", l[1].Name)
}

func TestDeviceListNullAndGarbage(t *testing.T) {
	var l DeviceList
	require.NoError(t, json.Unmarshal([]byte(`null`), &l))
	assert.Empty(t, l)

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &l))
}

func TestHostFloor(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]any
		want     int
	}{
		{"unset", nil, 0},
		{"number", map[string]any{"floor": float64(40)}, 40},
		{"negative", map[string]any{"floor": float64(-3)}, 0},
		{"above max", map[string]any{"floor": float64(500)}, 100},
		{"wrong type", map[string]any{"floor": "high"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Host{UID: "u", Settings: tt.settings}
			assert.Equal(t, tt.want, h.Floor())
		})
	}
}

func TestHostMatchesAliasCaseInsensitive(t *testing.T) {
	h := &Host{UID: "AbC_123", Alias: "Velvet"}
	assert.True(t, h.Matches("abc_123"))
	assert.True(t, h.Matches("VELVET"))
	assert.False(t, h.Matches("abc"))
	assert.False(t, h.Matches(""))
}
