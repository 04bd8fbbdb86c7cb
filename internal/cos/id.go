// Display-ID generation for Connections and in-flight Messages (log lines
// only — never part of the wire format). Grounded on the teacher's
// cmn/cos/uuid.go, trimmed to the parts relevant to a client library (no
// daemon/k8s proxy IDs here).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"math/rand"
	"sync"

	"github.com/teris-io/shortid"
)

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

func shortIDGen() *shortid.Shortid {
	sidOnce.Do(func() {
		var err error
		sid, err = shortid.New(1, shortid.DefaultABC, 1)
		if err != nil {
			sid = shortid.MustNew(1, shortid.DefaultABC, 0)
		}
	})
	return sid
}

// GenDisplayID returns a short, human-readable identifier suitable for log
// lines identifying one Connection or one in-flight Message.
func GenDisplayID() string {
	id, err := shortIDGen().Generate()
	if err != nil {
		return "????"
	}
	return id
}

// RandomID returns a random 32-bit message correlator (spec §3 "id is a
// random 32-bit tag correlating reply to request").
func RandomID() uint32 { return rand.Uint32() }
