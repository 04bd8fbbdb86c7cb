// Package mono provides nanosecond timestamps for latency measurement.
// Grounded on the teacher's cmn/mono (which links directly against
// runtime.nanotime via go:linkname); this rewrite uses the portable
// time.Now().UnixNano(). UnixNano reads the wall clock and drops the
// monotonic reading Go attaches to time.Time, so a Since result can
// jump if the system clock is stepped between the two readings.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

func NanoTime() int64 { return time.Now().UnixNano() }

// Since returns the elapsed duration from a NanoTime() reading.
func Since(start int64) time.Duration { return time.Duration(NanoTime() - start) }
