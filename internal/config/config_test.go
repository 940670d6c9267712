package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	room, err := store.LoadRoom()
	require.NoError(t, err)
	assert.Equal(t, DefaultRoomConfig(), room)

	anchors, err := store.LoadAnchors()
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultAnchorsConfig(), anchors); diff != "" {
		t.Errorf("anchors mismatch (-want +got):\n%s", diff)
	}

	// Both files should now exist on disk.
	for _, name := range []string{RoomFile, AnchorsFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to be created: %v", name, err)
		}
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	room := RoomConfig{Width: 12, Height: 8, Depth: 3}
	require.NoError(t, store.SaveRoom(room))

	anchors := AnchorsConfig{
		"east": {X: 12, Y: 4, Z: 2, Enabled: true},
		"west": {X: 0, Y: 4, Z: 2, Enabled: false},
	}
	require.NoError(t, store.SaveAnchors(anchors))

	gotRoom, err := store.LoadRoom()
	require.NoError(t, err)
	assert.Equal(t, room, gotRoom)

	gotAnchors, err := store.LoadAnchors()
	require.NoError(t, err)
	if diff := cmp.Diff(anchors, gotAnchors); diff != "" {
		t.Errorf("anchors mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := Validate(DefaultRoomConfig(), DefaultAnchorsConfig()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateItemizesProblems(t *testing.T) {
	room := RoomConfig{Width: 10, Height: 10, Depth: 3}
	anchors := AnchorsConfig{
		"a": {X: 15, Y: 5, Z: 2, Enabled: true},  // x out of range
		"b": {X: 5, Y: -1, Z: 2, Enabled: true},  // y out of range
		"c": {X: 5, Y: 5, Z: 9, Enabled: false},  // disabled, ignored
	}

	err := Validate(room, anchors)
	require.NotNil(t, err)
	assert.Len(t, err.Problems, 2)
	assert.Contains(t, err.Error(), "anchor a")
	assert.Contains(t, err.Error(), "anchor b")
}

func TestValidateRequiresTwoEnabled(t *testing.T) {
	room := DefaultRoomConfig()
	anchors := AnchorsConfig{
		"only": {X: 1, Y: 1, Z: 1, Enabled: true},
		"off":  {X: 2, Y: 2, Z: 1, Enabled: false},
	}

	err := Validate(room, anchors)
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "at least 2 enabled anchors")
}

func TestValidateRejectsBadRoom(t *testing.T) {
	err := Validate(RoomConfig{Width: -1, Height: 10, Depth: 3}, DefaultAnchorsConfig())
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "dimensions must be positive")
}
