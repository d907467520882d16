// Package instance implements the durable instance catalog: a JSON file holding
// one record per managed messaging account.
//
// Every mutation rewrites the whole file (temp file + rename), so the file on
// disk is always a complete snapshot of the catalog after a successful call.
package instance

import (
	"strings"
	"time"
	"unicode"

	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

// Status is the connection status of an instance.
type Status string

const (
	StatusPendingQR    Status = "pending_qr"
	StatusReady        Status = "ready"
	StatusDisconnected Status = "disconnected"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingQR, StatusReady, StatusDisconnected:
		return true
	}
	return false
}

// MaxIDLength bounds instance identifiers. IDs name credential directories.
const MaxIDLength = 128

// Record is one catalog entry.
type Record struct {
	ID        string         `json:"id"`
	Status    Status         `json:"status"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Sentinel errors. Compare with errors.Is.
var (
	ErrInvalidArgument = &protocol.Error{Code: protocol.ErrInvalidArgument}
	ErrAlreadyExists   = &protocol.Error{Code: protocol.ErrAlreadyExists}
	ErrNotFound        = &protocol.Error{Code: protocol.ErrNotFound}
	ErrStorage         = &protocol.Error{Code: protocol.ErrStorage}
)

// ValidateID checks that id is usable as a catalog key and a directory name.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return protocol.Errorf(protocol.ErrInvalidArgument, "instance id is required")
	}
	if len(id) > MaxIDLength {
		return protocol.Errorf(protocol.ErrInvalidArgument, "instance id too long: %d chars (max %d)", len(id), MaxIDLength)
	}
	if id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return protocol.Errorf(protocol.ErrInvalidArgument, "instance id %q must not contain path separators or '..'", id)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return protocol.Errorf(protocol.ErrInvalidArgument, "instance id must not contain control characters")
		}
	}
	return nil
}

func (r Record) clone() Record {
	r.Metadata = cloneMetadata(r.Metadata)
	return r
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
