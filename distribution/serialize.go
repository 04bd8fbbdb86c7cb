// Wire form for distributions: an object's striping parameters travel
// with its metadata so every client reconstructs the same layout
// (design note 9: the strategy interface covers serialize/deserialize
// alongside reset/distribute/set/set2). The encoding is the same
// little-endian fixed-layout style as the wire package's framing.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package distribution

import (
	"encoding/binary"
	"fmt"
)

// Marshal encodes d's identity and parameters: kind, server count,
// stripe size, then the kind-specific placement state (start index,
// pinned server, or per-server weights). Scratch state (length, offset)
// is deliberately excluded — a deserialized distribution starts fresh,
// awaiting Reset.
func Marshal(d Distribution) []byte {
	b := make([]byte, 0, 16)
	b = append(b, byte(d.Kind()))
	b = binary.LittleEndian.AppendUint32(b, uint32(d.ServerCount()))
	b = binary.LittleEndian.AppendUint64(b, uint64(d.StripeSize()))

	switch v := d.(type) {
	case *roundRobin:
		b = binary.LittleEndian.AppendUint32(b, uint32(v.startIdx))
	case *singleServer:
		b = binary.LittleEndian.AppendUint32(b, uint32(v.server))
	case *weighted:
		b = binary.LittleEndian.AppendUint32(b, uint32(len(v.weights)))
		for _, w := range v.weights {
			b = append(b, byte(w))
		}
	}
	return b
}

// Unmarshal inverts Marshal.
func Unmarshal(b []byte) (Distribution, error) {
	if len(b) < 13 {
		return nil, fmt.Errorf("distribution: truncated serialized form (%d bytes)", len(b))
	}
	kind := Kind(b[0])
	serverCount := int(binary.LittleEndian.Uint32(b[1:5]))
	stripeSize := int64(binary.LittleEndian.Uint64(b[5:13]))
	rest := b[13:]

	d, err := New(kind, serverCount, stripeSize, 0)
	if err != nil {
		return nil, err
	}
	switch v := d.(type) {
	case *roundRobin:
		if len(rest) < 4 {
			return nil, fmt.Errorf("distribution: truncated round-robin state")
		}
		v.startIdx = int(binary.LittleEndian.Uint32(rest)) % serverCount
	case *singleServer:
		if len(rest) < 4 {
			return nil, fmt.Errorf("distribution: truncated single-server state")
		}
		v.server = int(binary.LittleEndian.Uint32(rest)) % serverCount
	case *weighted:
		if len(rest) < 4 {
			return nil, fmt.Errorf("distribution: truncated weighted state")
		}
		n := int(binary.LittleEndian.Uint32(rest))
		rest = rest[4:]
		if n != serverCount || len(rest) < n {
			return nil, fmt.Errorf("distribution: weighted state for %d servers, want %d", n, serverCount)
		}
		sum := 0
		for i := 0; i < n; i++ {
			v.weights[i] = int(rest[i])
			sum += v.weights[i]
		}
		if sum == 0 {
			return nil, fmt.Errorf("distribution: serialized weights sum to zero")
		}
		v.sum = sum
		v.recomputePrefix()
	}
	return d, nil
}
