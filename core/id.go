package core

import "github.com/oklog/ulid/v2"

// newID returns a ULID string. ULIDs sort by creation time, which keeps
// transcript entries ordered even when minted within the same flush window.
func newID() string {
	return ulid.Make().String()
}
