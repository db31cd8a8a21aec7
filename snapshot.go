package meander

import (
	"encoding/json"
	"fmt"
)

// SnapshotCodec converts snapshots to and from bytes. The engine never
// persists bytes itself; repositories encode through an injected codec.
//
// The wire shape is a stable contract: {executionId, workflowId,
// currentNodeId, context, history{steps[], backtracks[]},
// rubricEvaluation?, retryCount}. Scores are 0–100 floats and timestamps
// are RFC 3339 UTC. Error values never appear.
type SnapshotCodec interface {
	Encode(snap *Snapshot) ([]byte, error)
	Decode(data []byte) (*Snapshot, error)
}

// JSONCodec is the default SnapshotCodec.
type JSONCodec struct{}

var _ SnapshotCodec = JSONCodec{}

// Encode marshals the snapshot as JSON.
func (JSONCodec) Encode(snap *Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("snapshot encode: %w", err)
	}
	return data, nil
}

// Decode unmarshals a snapshot from JSON.
func (JSONCodec) Decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}
	return &snap, nil
}
