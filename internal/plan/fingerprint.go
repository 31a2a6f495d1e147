package plan

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// fingerprint digests the canonical JSON form of the plan content. Struct
// field order makes the serialization deterministic.
func fingerprint(request string, subtasks []Subtask) string {
	doc := struct {
		Request  string    `json:"request"`
		Subtasks []Subtask `json:"subtasks"`
	}{Request: request, Subtasks: subtasks}

	b, err := json.Marshal(doc)
	if err != nil {
		// Subtask marshals cleanly; only unreachable encoder faults land here.
		return ""
	}
	h := blake3.New()
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
