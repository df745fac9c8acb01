package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion is the major version this build's bus understands. Envelope
// compatibility is major-version semver equality.
const SchemaVersion = "1.0"

// ErrValidation is returned (wrapped) when an envelope fails schema checks.
var ErrValidation = errors.New("validation_error")

// Wire is the bus-level envelope wrapping a Request or Response payload.
// Every message that crosses the bus boundary declares this shape.
type Wire struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`

	// ReplyTo optionally names the agent whose response queue should receive
	// a validation_error response if this envelope is rejected. Not part of
	// the wire contract's required fields, but carried end to end.
	ReplyTo string `json:"-"`
}

// NewWire wraps a payload value into a bus-level envelope.
func NewWire(id, typ string, payload interface{}) (Wire, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Wire{}, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return Wire{
		ID:        id,
		Type:      typ,
		Version:   SchemaVersion,
		Timestamp: time.Now(),
		Payload:   raw,
	}, nil
}

// Validate checks that the envelope declares all required fields and that
// its major version matches this build's SchemaVersion.
func (w Wire) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("%w: missing id", ErrValidation)
	}
	if w.Type == "" {
		return fmt.Errorf("%w: missing type", ErrValidation)
	}
	if w.Version == "" {
		return fmt.Errorf("%w: missing version", ErrValidation)
	}
	if w.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrValidation)
	}
	if len(w.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrValidation)
	}
	if !majorVersionEqual(w.Version, SchemaVersion) {
		return fmt.Errorf("%w: version %q incompatible with %q", ErrValidation, w.Version, SchemaVersion)
	}
	return nil
}

// majorVersionEqual compares the leading dot-separated component of two
// semver-like strings ("1.3" and "1.9" match, "1.0" and "2.0" do not).
func majorVersionEqual(a, b string) bool {
	return majorOf(a) == majorOf(b) && majorOf(a) != ""
}

func majorOf(v string) string {
	v = strings.TrimPrefix(v, "v")
	parts := strings.SplitN(v, ".", 2)
	if len(parts) == 0 {
		return ""
	}
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return ""
	}
	return parts[0]
}
