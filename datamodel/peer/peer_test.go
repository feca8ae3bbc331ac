package peer

import (
	"errors"
	"testing"
	"time"
)

func TestRecordIsLive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := &Record{Username: "alice", LastSeen: now.Add(-299 * time.Second)}

	if !r.IsLive(now, LivenessWindow) {
		t.Fatalf("record seen 299s ago should be live")
	}

	r.LastSeen = now.Add(-LivenessWindow)
	if r.IsLive(now, LivenessWindow) {
		t.Fatalf("record seen exactly one window ago should be stale")
	}
}

func TestUnmarshalStored(t *testing.T) {
	r := &Record{
		Username: "alice",
		IP:       "10.0.0.1",
		Port:     5001,
		LastSeen: time.Date(2025, 6, 1, 12, 0, 0, 900_000_123, time.FixedZone("CEST", 2*60*60)),
		Status:   StatusOnline,
	}

	raw, err := Marshal(r)
	if err != nil {
		t.Fatal(err)
	}

	r2, err := Unmarshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	if r2.String() != "alice@10.0.0.1:5001" {
		t.Fatalf("unexpected record: %s", r2.String())
	}
	if !r2.LastSeen.Equal(r.LastSeen) {
		t.Fatalf("LastSeen does not match: %v != %v", r2.LastSeen, r.LastSeen)
	}
	if _, offset := r2.LastSeen.Zone(); offset != 2*60*60 {
		t.Fatalf("LastSeen lost its zone offset: %v", r2.LastSeen)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	for _, raw := range [][]byte{
		[]byte("{not cbor"),
		{},
		{0xa0}, // empty map: decodes but has no username
	} {
		if _, err := Unmarshal(raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Unmarshal(%x): expected ErrMalformed, got %v", raw, err)
		}
	}
}
