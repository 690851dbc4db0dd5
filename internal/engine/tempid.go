package engine

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

const tempIDPrefix = "tmp_"

// NewTempID returns a process-unique temporary id. ULIDs are a millisecond
// timestamp plus randomness, and ulid.Make is monotonic within the process.
func NewTempID() string {
	return tempIDPrefix + ulid.Make().String()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}
