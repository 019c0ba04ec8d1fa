package device

import "context"

// FakeEnumerator returns a fixed device list, or Err if set. It backs tests
// of components that consume an Enumerator (session, registry) without
// touching the real Windows driver stack.
type FakeEnumerator struct {
	Devices []ExportedDevice
	Err     error
}

func (f *FakeEnumerator) Enumerate(ctx context.Context) ([]ExportedDevice, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]ExportedDevice, len(f.Devices))
	copy(out, f.Devices)
	sortByBusID(out)
	return out, nil
}
