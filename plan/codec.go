package plan

import (
	"encoding/json"
	"errors"
	"fmt"
)

// snapshotWireVersion is the persisted snapshot format version. Bump when the
// snapshot shape changes incompatibly so stale blobs fail loudly on decode
// instead of restoring a half-read run.
const snapshotWireVersion = 1

// snapshotAlias mirrors Snapshot without its methods so the codec does not
// recurse.
type snapshotAlias Snapshot

type snapshotWire struct {
	CodecVersion int `json:"codecVersion"`
	snapshotAlias
}

// MarshalJSON stamps the wire format version on the persisted snapshot.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotWire{
		CodecVersion:  snapshotWireVersion,
		snapshotAlias: snapshotAlias(s),
	})
}

// UnmarshalJSON decodes a persisted snapshot, rejecting unknown wire versions
// and structurally invalid blobs.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var wire snapshotWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode plan snapshot: %w", err)
	}
	if wire.CodecVersion != snapshotWireVersion {
		return fmt.Errorf("unsupported snapshot codec version %d (want %d)", wire.CodecVersion, snapshotWireVersion)
	}
	if wire.RunID == "" {
		return errors.New("plan snapshot missing runId")
	}
	if wire.PlanVersion < 1 {
		return fmt.Errorf("plan snapshot has invalid plan version %d", wire.PlanVersion)
	}
	for i, n := range wire.Nodes {
		if n == nil || n.ID == "" {
			return fmt.Errorf("plan snapshot node %d missing id", i)
		}
		// Archived snapshots may predate the removal of the fallback kind.
		if n.Kind == "fallback" {
			n.Kind = "routing"
		}
	}
	*s = Snapshot(wire.snapshotAlias)
	return nil
}
