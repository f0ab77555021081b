package partition

import "github.com/zmyer/scylla-sub000/pkg/types"

type markerState uint8

const (
	markerMissing markerState = iota
	markerLive
	markerDead
)

// RowMarker records whether a clustering row exists independently of its
// cells: missing (never created), live (with creation timestamp and optional
// expiry), or dead (deleted as a row).
type RowMarker struct {
	state     markerState
	ts        types.Timestamp
	ttl       types.TTL
	expiry    types.DeletionTime
	deletedAt types.DeletionTime
}

// MissingMarker returns the neutral marker.
func MissingMarker() RowMarker { return RowMarker{} }

// LiveMarker returns a marker for a row created at ts.
func LiveMarker(ts types.Timestamp) RowMarker {
	return RowMarker{state: markerLive, ts: ts, expiry: types.NoDeletionTime}
}

// ExpiringMarker returns a live marker that expires at the given time.
func ExpiringMarker(ts types.Timestamp, ttl types.TTL, expiry types.DeletionTime) RowMarker {
	return RowMarker{state: markerLive, ts: ts, ttl: ttl, expiry: expiry}
}

// DeadMarker returns a marker for a row deleted at ts.
func DeadMarker(ts types.Timestamp, deletedAt types.DeletionTime) RowMarker {
	return RowMarker{state: markerDead, ts: ts, deletedAt: deletedAt}
}

// compareMarkers orders markers by merge priority: anything beats missing,
// later timestamps beat earlier ones, death beats life on a tie, and among
// live markers the larger expiry then the presence of a TTL break ties.
func compareMarkers(a, b RowMarker) int {
	if a.state == markerMissing || b.state == markerMissing {
		return int(boolToInt(a.state != markerMissing)) - int(boolToInt(b.state != markerMissing))
	}
	if a.ts != b.ts {
		if a.ts < b.ts {
			return -1
		}
		return 1
	}
	if (a.state == markerDead) != (b.state == markerDead) {
		if a.state == markerDead {
			return 1
		}
		return -1
	}
	if a.state == markerDead {
		return compareDeletion(a.deletedAt, b.deletedAt)
	}
	if c := compareDeletion(a.expiry, b.expiry); c != 0 {
		return c
	}
	return int(boolToInt(a.ttl != 0)) - int(boolToInt(b.ttl != 0))
}

func compareDeletion(a, b types.DeletionTime) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func boolToInt(b bool) int8 {
	if b {
		return 1
	}
	return 0
}

// Apply keeps the winning marker.
func (m *RowMarker) Apply(o RowMarker) {
	if compareMarkers(o, *m) > 0 {
		*m = o
	}
}

// IsMissing reports whether no marker is present.
func (m RowMarker) IsMissing() bool { return m.state == markerMissing }

// IsDead reports whether the marker records a row deletion.
func (m RowMarker) IsDead() bool { return m.state == markerDead }

// Timestamp returns the marker's write timestamp.
func (m RowMarker) Timestamp() types.Timestamp { return m.ts }

// DeletedAt returns the deletion time of a dead marker.
func (m RowMarker) DeletedAt() types.DeletionTime { return m.deletedAt }

// TTL returns the time-to-live of an expiring marker, zero otherwise.
func (m RowMarker) TTL() types.TTL { return m.ttl }

// Expiry returns the expiry time of an expiring marker.
func (m RowMarker) Expiry() types.DeletionTime { return m.expiry }

// IsLive reports whether the marker keeps the row alive at the given time
// under the given covering tombstone.
func (m RowMarker) IsLive(t Tombstone, now types.DeletionTime) bool {
	if m.state != markerLive || t.Covers(m.ts) {
		return false
	}
	return m.ttl == 0 || now < m.expiry
}

// Equal reports structural equality.
func (m RowMarker) Equal(o RowMarker) bool { return m == o }
