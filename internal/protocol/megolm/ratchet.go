// Package megolm implements the sender-key hash ratchet used for group
// messages: four 256-bit parts, where part i is rehashed every 2^(8*(3-i))
// steps, so any later index is reachable in at most 1020 hashes.
package megolm

import (
	"encoding/binary"
	"errors"

	"e2e_crypto/internal/cryptographic/kdf"
)

const (
	RatchetParts      = 4
	RatchetPartLength = 32
	RatchetLength     = RatchetParts * RatchetPartLength
)

var hashKeySeeds = [RatchetParts][]byte{{0x00}, {0x01}, {0x02}, {0x03}}

var ErrRatchetBackwards = errors.New("megolm: ratchet cannot move backwards")

type Ratchet struct {
	Data    [RatchetLength]byte `json:"data"`
	Counter uint32              `json:"counter"`
}

func (r *Ratchet) part(i int) []byte {
	return r.Data[i*RatchetPartLength : (i+1)*RatchetPartLength]
}

// rehash sets R(to) = HMAC(R(from), seed(to)).
func (r *Ratchet) rehash(from, to int) {
	out := kdf.HMACSHA256(r.part(from), hashKeySeeds[to])
	copy(r.part(to), out)
}

// Advance moves the ratchet forward by one step.
func (r *Ratchet) Advance() {
	mask := uint32(0x00ffffff)
	h := 0

	r.Counter++

	// figure out how much we need to rekey
	for h < RatchetParts {
		if r.Counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}

	// now update R(h)...R(3) based on R(h)
	for i := RatchetParts - 1; i >= h; i-- {
		r.rehash(h, i)
	}
}

// AdvanceTo moves the ratchet forward to target.
func (r *Ratchet) AdvanceTo(target uint32) error {
	if target < r.Counter {
		return ErrRatchetBackwards
	}

	for j := 0; j < RatchetParts; j++ {
		shift := uint((RatchetParts - j - 1) * 8)
		mask := ^uint32(0) << shift

		// how many times do we need to rehash this part?
		steps := ((target >> shift) - (r.Counter >> shift)) & 0xff
		if steps == 0 {
			// counter is slightly ahead of target in this byte, which means a
			// higher byte wrapped and this part needs a full cycle
			if target < r.Counter {
				steps = 0x100
			} else {
				continue
			}
		}

		// for all but the last step, only R(j) moves
		for ; steps > 1; steps-- {
			r.rehash(j, j)
		}

		// on the last step R(j+1)...R(3) are reseeded from R(j)
		for k := RatchetParts - 1; k >= j; k-- {
			r.rehash(j, k)
		}
		r.Counter = target & mask
	}
	return nil
}

// MarshalBinary encodes counter || data.
func (r *Ratchet) MarshalBinary() []byte {
	out := make([]byte, 4+RatchetLength)
	binary.BigEndian.PutUint32(out, r.Counter)
	copy(out[4:], r.Data[:])
	return out
}
