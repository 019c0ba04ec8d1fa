// Package registry implements the C6 Share Registry: the process-wide
// answer to "is bus id X shared?" and the single-writer-per-bus-id
// attach/detach bookkeeping. It is the only piece of process-wide shared
// state in the server, so it follows the mutex-guarded-map shape the
// codebase uses for its other process-wide registries rather than an
// actor or free-floating module state.
package registry

import (
	"crypto/rand"
	"fmt"
	"hash"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

func sortRecordsByBusID(records []ShareRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].BusID < records[j].BusID })
}

// ShareRecord is one shared device's persisted identity plus its transient
// attach state. Invariant: at most one AttachedTo per BusID — enforced by
// MarkAttached's atomicity, not by callers.
type ShareRecord struct {
	BusID        string
	GUID         string
	FriendlyName string
	AttachedTo   string // empty when not attached
}

// AlreadyAttached is returned by MarkAttached when the bus id is already
// attached to a different (or the same) remote peer.
type AlreadyAttached struct {
	BusID      string
	AttachedTo string
}

func (e *AlreadyAttached) Error() string {
	return fmt.Sprintf("bus id %s is already attached to %s", e.BusID, e.AttachedTo)
}

// NotShared is returned when an operation targets a bus id that has not
// been bound via Share.
type NotShared struct{ BusID string }

func (e *NotShared) Error() string { return fmt.Sprintf("bus id %s is not shared", e.BusID) }

// Registry is the C6 Share Registry. Safe for concurrent readers and
// serialized writers.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*ShareRecord

	// guidSalt seeds DeriveGUID so repeated calls for the same device
	// identity (vendor, product, bus id) always yield the same GUID across
	// restarts; SaveFile persists it alongside the share records for that.
	guidSalt []byte
}

// New constructs an empty Registry. salt should be a stable, per-install
// random value (persisted alongside the share records); passing nil derives
// an ephemeral salt, which is fine for tests but means GUIDs won't survive
// a restart.
func New(salt []byte) *Registry {
	if salt == nil {
		salt = make([]byte, 32)
		_, _ = rand.Read(salt)
	}
	return &Registry{records: make(map[string]*ShareRecord), guidSalt: salt}
}

// DeriveGUID computes a stable per-device GUID from identity fields that
// don't change across enumerations (vendor id, product id, bus id) via
// HKDF-BLAKE2b over the registry's install salt. Using a KDF instead of a
// raw hash means the salt, not the (public) vendor/product ids, is what
// makes the GUID unguessable from the outside.
func (r *Registry) DeriveGUID(busID string, vendorID, productID uint16) (string, error) {
	info := fmt.Sprintf("usbipd-win/share-guid/%s/%04x:%04x", busID, vendorID, productID)
	return deriveGUID(r.guidSalt, info)
}

// deriveGUID expands salt+info through HKDF-BLAKE2b-256 into 16 bytes and
// formats them as a standard GUID string, with the RFC 4122 version/variant
// bits forced so the result still looks like a real GUID to Windows tooling.
func deriveGUID(installSalt []byte, info string) (string, error) {
	kdf := hkdf.New(func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	}, installSalt, nil, []byte(info))

	var raw [16]byte
	if _, err := io.ReadFull(kdf, raw[:]); err != nil {
		return "", fmt.Errorf("derive guid: %w", err)
	}
	raw[6] = (raw[6] & 0x0f) | 0x40 // version 4
	raw[8] = (raw[8] & 0x3f) | 0x80 // variant 10

	return fmt.Sprintf("%x-%x-%x-%x-%x", raw[0:4], raw[4:6], raw[6:8], raw[8:10], raw[10:16]), nil
}

// Share marks busID as shareable, deriving its stable GUID on first share.
// Calling Share again for an already-shared bus id updates FriendlyName and
// leaves GUID and AttachedTo untouched.
func (r *Registry) Share(busID, friendlyName string, vendorID, productID uint16) (*ShareRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[busID]; ok {
		rec.FriendlyName = friendlyName
		return rec, nil
	}

	guid, err := deriveGUID(r.guidSalt, fmt.Sprintf("usbipd-win/share-guid/%s/%04x:%04x", busID, vendorID, productID))
	if err != nil {
		return nil, err
	}
	rec := &ShareRecord{BusID: busID, GUID: guid, FriendlyName: friendlyName}
	r.records[busID] = rec
	return rec, nil
}

// Unshare removes busID from the registry. It refuses while the device is
// attached — callers must MarkDetached first.
func (r *Registry) Unshare(busID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[busID]
	if !ok {
		return &NotShared{BusID: busID}
	}
	if rec.AttachedTo != "" {
		return &AlreadyAttached{BusID: busID, AttachedTo: rec.AttachedTo}
	}
	delete(r.records, busID)
	return nil
}

// IsShared reports whether busID has been bound via Share.
func (r *Registry) IsShared(busID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[busID]
	return ok
}

// Lookup returns a copy of the share record for busID, if any.
func (r *Registry) Lookup(busID string) (ShareRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[busID]
	if !ok {
		return ShareRecord{}, false
	}
	return *rec, true
}

// LookupByGUID returns a copy of the share record with the given GUID.
func (r *Registry) LookupByGUID(guid string) (ShareRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.GUID == guid {
			return *rec, true
		}
	}
	return ShareRecord{}, false
}

// MarkAttached atomically claims busID for peer. It fails with
// AlreadyAttached if the bus id is already attached to anyone (including
// peer itself), which is how two racing OP_REQ_IMPORT calls for the same
// bus id resolve to exactly one success and one failure.
func (r *Registry) MarkAttached(busID, peer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[busID]
	if !ok {
		return &NotShared{BusID: busID}
	}
	if rec.AttachedTo != "" {
		return &AlreadyAttached{BusID: busID, AttachedTo: rec.AttachedTo}
	}
	rec.AttachedTo = peer
	return nil
}

// MarkDetached clears the attach state for busID. It is idempotent: calling
// it on an already-detached (or unknown) bus id is not an error, since the
// shutdown cancellation sequence must run to completion even if an earlier
// step already tore things down.
func (r *Registry) MarkDetached(busID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[busID]; ok {
		rec.AttachedTo = ""
	}
}

// AllShared returns a snapshot of every shared record, ordered by bus id.
func (r *Registry) AllShared() []ShareRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ShareRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sortRecordsByBusID(out)
	return out
}
