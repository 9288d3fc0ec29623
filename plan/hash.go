package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// SchemaHash fingerprints the compiled contracts of a node set. The hash is
// stable across node reordering so equivalent snapshots compare equal.
func SchemaHash(nodes []*Node) string {
	type entry struct {
		ID     string          `json:"id"`
		Input  json.RawMessage `json:"input,omitempty"`
		Output json.RawMessage `json:"output,omitempty"`
	}
	entries := make([]entry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, entry{ID: n.ID, Input: n.Contracts.Input, Output: n.Contracts.Output})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	data, err := json.Marshal(entries)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
