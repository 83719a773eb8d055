package coding

import (
	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// Scheme describes a configured coding scheme tag's shard layout: k data
// shards, m parity shards.
type Scheme struct {
	DataShards   int
	ParityShards int
}

// Validate constructs (and discards) a reedsolomon encoder for the scheme's
// shard counts, rejecting combinations the library itself would refuse
// (zero shards, more parity than 256-k allows).
func (s Scheme) Validate() error {
	if _, err := reedsolomon.New(s.DataShards, s.ParityShards); err != nil {
		return errors.Wrapf(err, "coding: invalid scheme (%d data, %d parity)", s.DataShards, s.ParityShards)
	}
	return nil
}

// Total is the number of chunks (data + parity) one stripe under this
// scheme spans.
func (s Scheme) Total() int { return s.DataShards + s.ParityShards }
