package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultActiveWindow = 30 * 24 * time.Hour

// device is one registered mobile device. The scheduling core only ever
// consumes the token; platform and metadata exist for the device API.
type device struct {
	ID          string            `json:"id"`
	Token       string            `json:"token"`
	Platform    string            `json:"platform,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

// deviceStore persists device records in a single JSON file. Every mutation
// rewrites the file through a temp-and-rename so a crash never leaves a
// half-written registry.
type deviceStore struct {
	mu      sync.Mutex
	path    string
	devices map[string]device // keyed by token
}

func newDeviceStore(path string) (*deviceStore, error) {
	s := &deviceStore{
		path:    path,
		devices: make(map[string]device),
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("newDeviceStore(%s): %w", path, err)
	}
	var records []device
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("newDeviceStore(%s): %w", path, err)
	}
	for _, d := range records {
		s.devices[d.Token] = d
	}
	return s, nil
}

// register upserts a device by token, refreshing its last-updated stamp, and
// persists the registry.
func (s *deviceStore) register(token, platform string, metadata map[string]string) (device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[token]
	if !ok {
		d = device{ID: uuid.NewString(), Token: token}
	}
	d.Platform = platform
	if metadata != nil {
		d.Metadata = metadata
	}
	d.LastUpdated = time.Now().UTC()
	s.devices[token] = d

	if err := s.save(); err != nil {
		return device{}, err
	}
	return d, nil
}

// activeTokens returns the tokens of devices updated within the freshness
// window, the only view of this registry the scheduling core consumes.
func (s *deviceStore) activeTokens(window time.Duration) []string {
	if window <= 0 {
		window = defaultActiveWindow
	}
	cutoff := time.Now().Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()
	var tokens []string
	for _, d := range s.devices {
		if d.LastUpdated.After(cutoff) {
			tokens = append(tokens, d.Token)
		}
	}
	return tokens
}

func (s *deviceStore) allDevices() []device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

// save writes the registry; callers hold s.mu.
func (s *deviceStore) save() error {
	records := make([]device, 0, len(s.devices))
	for _, d := range s.devices {
		records = append(records, d)
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("deviceStore.save: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "devices-*.json")
	if err != nil {
		return fmt.Errorf("deviceStore.save: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("deviceStore.save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("deviceStore.save: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("deviceStore.save: %w", err)
	}
	return nil
}
