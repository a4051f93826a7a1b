// Package dynconf distributes dynamic configuration snapshots to modules.
// A snapshot is an immutable key/value document; the source retains the
// latest snapshot and fans updates out to subscribers. Delivery to any one
// subscriber is sequential, and intermediate snapshots may be skipped when
// updates outpace a subscriber's callback.
package dynconf

import (
	"encoding/json"
	"fmt"

	"github.com/c360/runway/errors"
)

// Snapshot is an immutable view of the dynamic configuration at one point
// in time. The zero value is an empty snapshot.
type Snapshot struct {
	version int64
	values  map[string]json.RawMessage
}

// NewSnapshot builds a snapshot from raw key/value pairs. The map is copied
// so the caller may reuse it.
func NewSnapshot(version int64, values map[string]json.RawMessage) Snapshot {
	copied := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return Snapshot{version: version, values: copied}
}

// Version returns the monotonically increasing snapshot version
func (s Snapshot) Version() int64 {
	return s.version
}

// Len returns the number of keys in the snapshot
func (s Snapshot) Len() int {
	return len(s.values)
}

// Raw returns the raw value for key, or false if it is absent
func (s Snapshot) Raw(key string) (json.RawMessage, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Decode unmarshals the value stored at key into out
func (s Snapshot) Decode(key string, out any) error {
	raw, ok := s.values[key]
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrConfigNotFound, key),
			"Snapshot", "Decode", "key lookup")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.WrapInvalid(err, "Snapshot", "Decode", "value decode")
	}
	return nil
}

// GetInt64 reads an integer value with a default for absent keys
func (s Snapshot) GetInt64(key string, def int64) int64 {
	var v int64
	if err := s.Decode(key, &v); err != nil {
		return def
	}
	return v
}

// GetBool reads a boolean value with a default for absent keys
func (s Snapshot) GetBool(key string, def bool) bool {
	var v bool
	if err := s.Decode(key, &v); err != nil {
		return def
	}
	return v
}

// GetString reads a string value with a default for absent keys
func (s Snapshot) GetString(key string, def string) string {
	var v string
	if err := s.Decode(key, &v); err != nil {
		return def
	}
	return v
}
