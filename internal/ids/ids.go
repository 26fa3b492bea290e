// Package ids generates run and event identifiers.
package ids

import "github.com/oklog/ulid/v2"

// New returns a ULID string. IDs generated by one process sort in creation order.
func New() string {
	return ulid.Make().String()
}
