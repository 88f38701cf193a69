package store

// SnapshotThreshold defines the version interval at which snapshots are written.
const SnapshotThreshold = 100

// SnapshotEventName is the event name stored on snapshot records.
const SnapshotEventName = "Snapshot"

// IsSnapshotDue reports whether a snapshot must follow an event appended at
// version. Snapshots take their own version slot, so the snapshot lands on
// version+1 when that is a multiple of SnapshotThreshold.
func IsSnapshotDue(version int) bool {
	return version > 0 && (version+1)%SnapshotThreshold == 0
}
