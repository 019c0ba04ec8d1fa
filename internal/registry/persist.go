package registry

import (
	"fmt"
	"os"
	"sort"

	toml "github.com/pelletier/go-toml"
)

// persistedState is the on-disk shape: share records plus the install salt
// GUIDs are derived from, so GUIDs stay stable across restarts without the
// salt itself ever needing to be a secret shared with a client.
type persistedState struct {
	Salt    string            `toml:"salt"`
	Devices []persistedDevice `toml:"device"`
}

type persistedDevice struct {
	BusID        string `toml:"bus_id"`
	GUID         string `toml:"guid"`
	FriendlyName string `toml:"friendly_name"`
}

// LoadFile reads a registry from a TOML file previously written by SaveFile.
// A missing file is not an error: it returns a fresh Registry with a newly
// generated salt, matching first-run behavior.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	var state persistedState
	if err := toml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}

	salt := []byte(state.Salt)
	if len(salt) == 0 {
		salt = nil
	}
	reg := New(salt)
	for _, d := range state.Devices {
		reg.records[d.BusID] = &ShareRecord{BusID: d.BusID, GUID: d.GUID, FriendlyName: d.FriendlyName}
	}
	return reg, nil
}

// SaveFile writes the registry's shared records (never attach state, which
// is transient) to a TOML file.
func (r *Registry) SaveFile(path string) error {
	r.mu.RLock()
	state := persistedState{Salt: string(r.guidSalt)}
	for _, rec := range r.records {
		state.Devices = append(state.Devices, persistedDevice{
			BusID: rec.BusID, GUID: rec.GUID, FriendlyName: rec.FriendlyName,
		})
	}
	r.mu.RUnlock()
	sort.Slice(state.Devices, func(i, j int) bool { return state.Devices[i].BusID < state.Devices[j].BusID })

	data, err := toml.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal registry state: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
