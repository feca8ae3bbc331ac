package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	StatusOnline = "online"

	// LivenessWindow is how long a record stays live after its last registration.
	LivenessWindow = 300 * time.Second
)

var ErrMalformed = errors.New("peer: malformed record")

// Stored timestamps keep sub-second precision and their zone offset
var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Record is the presence entry a peer publishes to the rendezvous registry.
type Record struct {
	Username string    `json:"username" cbor:"1,keyasint,omitempty"`  // Self-declared, unverified
	IP       string    `json:"ip" cbor:"2,keyasint,omitempty"`        // Declared address
	Port     int       `json:"port" cbor:"3,keyasint,omitempty"`      // Declared TCP port
	LastSeen time.Time `json:"last_seen" cbor:"4,keyasint,omitempty"` // Time of the last successful registration
	Status   string    `json:"status" cbor:"5,keyasint,omitempty"`    // Informational only
}

// IsLive reports whether the record was refreshed less than window ago.
func (r *Record) IsLive(now time.Time, window time.Duration) bool {
	return now.Sub(r.LastSeen) < window
}

func (r *Record) Endpoint() string {
	return fmt.Sprintf("%s:%d", r.IP, r.Port)
}

func (r *Record) String() string {
	return fmt.Sprintf("%s@%s", r.Username, r.Endpoint())
}

// Marshal encodes the record in its stored form.
func Marshal(r *Record) ([]byte, error) {
	return encMode.Marshal(r)
}

// Unmarshal decodes a stored record. Anything that does not decode into a record with a
// username is reported as ErrMalformed.
func Unmarshal(raw []byte) (*Record, error) {
	r := &Record{}
	if err := cbor.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.Username == "" {
		return nil, fmt.Errorf("%w: missing username", ErrMalformed)
	}
	return r, nil
}
