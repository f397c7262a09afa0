package space

import (
	"github.com/jaydenbeard/spacecore/internal/authgroup"
	"github.com/jaydenbeard/spacecore/internal/dcgka"
	"github.com/jaydenbeard/spacecore/internal/identity"
)

// Snapshot is a point-in-time capture of everything a Space needs to resume without
// replaying its full history, per spec §1's abstract "storage backends beyond the
// read/write contract" non-goal: the core only needs this shape, not a concrete format.
type Snapshot struct {
	GroupID identity.ID
	MyID    identity.ID
	Auth    authgroup.State
	DCGKA   dcgka.State
	Ratchets map[identity.ID][]byte // opaque, package-internal encoding owned by the caller
}

// SnapshotStore is the abstract read/write contract a concrete persistence layer
// implements (spec §1 non-goal: "storage backends beyond the abstract read/write
// contract"). internal/db provides a Postgres-backed implementation; tests use
// MemorySnapshotStore.
type SnapshotStore interface {
	SaveSnapshot(groupID identity.ID, snap Snapshot) error
	LoadSnapshot(groupID identity.ID) (Snapshot, bool, error)
}

// LogStore is the abstract append-only record of every control/application operation a
// Space has sent or applied, keyed by group, used to recover orderer state (delivered
// set, heads) after a restart without needing every peer to resend history.
type LogStore interface {
	AppendOperation(groupID identity.ID, frame []byte) error
	ReadLog(groupID identity.ID) ([][]byte, error)
}

// MemorySnapshotStore is an in-memory SnapshotStore, used by tests and as the default
// when no durable store is configured.
type MemorySnapshotStore struct {
	snapshots map[identity.ID]Snapshot
}

// NewMemorySnapshotStore returns an empty MemorySnapshotStore.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[identity.ID]Snapshot)}
}

func (m *MemorySnapshotStore) SaveSnapshot(groupID identity.ID, snap Snapshot) error {
	m.snapshots[groupID] = snap
	return nil
}

func (m *MemorySnapshotStore) LoadSnapshot(groupID identity.ID) (Snapshot, bool, error) {
	snap, ok := m.snapshots[groupID]
	return snap, ok, nil
}

// MemoryLogStore is an in-memory LogStore.
type MemoryLogStore struct {
	logs map[identity.ID][][]byte
}

// NewMemoryLogStore returns an empty MemoryLogStore.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{logs: make(map[identity.ID][][]byte)}
}

func (m *MemoryLogStore) AppendOperation(groupID identity.ID, frame []byte) error {
	m.logs[groupID] = append(m.logs[groupID], append([]byte{}, frame...))
	return nil
}

func (m *MemoryLogStore) ReadLog(groupID identity.ID) ([][]byte, error) {
	return m.logs[groupID], nil
}
