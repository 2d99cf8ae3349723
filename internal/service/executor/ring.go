package executor

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/buraksezer/consistent"
)

type member string

func (m member) String() string {
	return string(m)
}

type hasher struct{}

func (hasher) Sum64(data []byte) uint64 {
	out := sha256.Sum256(data)
	return binary.BigEndian.Uint64(out[:8])
}

// Ring maps server ids onto worker streams so one server's jobs stay on one stream.
type Ring struct {
	ring *consistent.Consistent
}

// NewRing builds a ring over the given stream names.
func NewRing(streams []string) *Ring {
	cfg := consistent.Config{
		PartitionCount:    71,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	}
	c := consistent.New(nil, cfg)
	for _, stream := range streams {
		c.Add(member(stream))
	}
	return &Ring{ring: c}
}

// Locate returns the stream for key, or "" on an empty ring.
func (r *Ring) Locate(key string) string {
	m := r.ring.LocateKey([]byte(key))
	if m == nil {
		return ""
	}
	return m.String()
}
