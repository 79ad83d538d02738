package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	testCases := []struct {
		name    string
		volumes map[string]float64
		wantErr bool
	}{
		{name: "valid", volumes: map[string]float64{"LX4": 60}},
		{name: "empty", volumes: map[string]float64{}, wantErr: true},
		{name: "empty id", volumes: map[string]float64{"": 1}, wantErr: true},
		{name: "zero volume", volumes: map[string]float64{"A5": 0}, wantErr: true},
		{name: "negative volume", volumes: map[string]float64{"A5": -3}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.volumes)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_IsolatedFromCaller(t *testing.T) {
	src := map[string]float64{"LX4": 60}
	r, err := New(src)
	require.NoError(t, err)

	src["LX4"] = 1
	src["NEW"] = 5
	v, ok := r.LookupVolume("LX4")
	assert.True(t, ok)
	assert.Equal(t, 60.0, v)
	assert.False(t, r.Has("NEW"))

	out := r.Machines()
	out["LX4"] = 2
	v, _ = r.LookupVolume("LX4")
	assert.Equal(t, 60.0, v, "Machines must return a copy")
}

func TestDefault(t *testing.T) {
	r := Default()

	v, ok := r.LookupVolume("LX4")
	assert.True(t, ok)
	assert.Equal(t, 60.0, v)

	v, ok = r.LookupVolume("DL250-3")
	assert.True(t, ok)
	assert.Equal(t, 3.5, v)

	_, ok = r.LookupVolume("nope")
	assert.False(t, ok)

	ids := r.IDs()
	assert.Len(t, ids, len(DefaultVolumes))
	assert.IsNonDecreasing(t, ids)
}
