package distribution

import "github.com/julea-io/julea-go/internal/xoshiro256"

func hashSeed(seed uint64) uint64 { return xoshiro256.Hash(seed) }
