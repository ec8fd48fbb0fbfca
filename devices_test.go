package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceStoreRegisterAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")

	store, err := newDeviceStore(path)
	require.NoError(t, err)

	d1, err := store.register("ExponentPushToken[alpha]", "ios", map[string]string{"model": "iPhone 15"})
	require.NoError(t, err)
	assert.NotEmpty(t, d1.ID)

	_, err = store.register("ExponentPushToken[beta]", "android", nil)
	require.NoError(t, err)

	// Re-registering the same token keeps its identity.
	again, err := store.register("ExponentPushToken[alpha]", "ios", nil)
	require.NoError(t, err)
	assert.Equal(t, d1.ID, again.ID)
	assert.Len(t, store.allDevices(), 2)

	// A fresh store reads the same registry back from disk.
	reloaded, err := newDeviceStore(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.allDevices(), 2)
	assert.ElementsMatch(t,
		[]string{"ExponentPushToken[alpha]", "ExponentPushToken[beta]"},
		reloaded.activeTokens(0))
}

func TestDeviceStoreActiveWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	store, err := newDeviceStore(path)
	require.NoError(t, err)

	_, err = store.register("ExponentPushToken[fresh]", "ios", nil)
	require.NoError(t, err)

	store.mu.Lock()
	stale := device{
		ID:          "stale-id",
		Token:       "ExponentPushToken[stale]",
		LastUpdated: time.Now().Add(-defaultActiveWindow - time.Hour),
	}
	store.devices[stale.Token] = stale
	store.mu.Unlock()

	tokens := store.activeTokens(0)
	assert.Equal(t, []string{"ExponentPushToken[fresh]"}, tokens)
	assert.Len(t, store.allDevices(), 2, "stale devices stay in the registry, they just stop receiving")
}

func TestDeviceStoreMissingFile(t *testing.T) {
	store, err := newDeviceStore(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, store.allDevices())
}

func TestDeviceStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := newDeviceStore(path)
	require.Error(t, err)
}
