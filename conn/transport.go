// Send-path transforms: the inject fast path for small payloads, lz4
// framing for large bodies, and the strict-security envelope (JWT-signed
// handshake, sealed inject payloads).
//
// Compression mirrors the teacher's transport.Extra.Compression knob
// (pierrec/lz4 over the outgoing stream, see cmn/archive's lz4Writer);
// the auth token follows the teacher's authn bearer-token convention
// (api/authn.go), carried on the same Authorization header.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package conn

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/julea-io/julea-go/internal/cos"
)

// Opts configures a dialed Connection (spec §4.1/§4.5: inject threshold
// and handshake identity; SPEC_FULL domain stack: compression and
// strict-security envelope).
type Opts struct {
	Program string
	UID     uint32

	// MaxInjectSize: payloads strictly below this are coalesced into
	// one contiguous copy before send (spec §4.5 "inject" fast path)
	// instead of being streamed piecewise.
	MaxInjectSize int64

	// CompressMin: total payloads at or above this are lz4-framed on
	// the wire; zero disables compression.
	CompressMin int64

	// AuthSecret, when non-empty, signs the PING handshake with an
	// HS256 JWT and seals inject-path payloads under strict security
	// semantics.
	AuthSecret []byte
}

const (
	hdrCompressed = "X-Julea-Encoding"
	hdrSealed     = "X-Julea-Nonce"
	lz4Encoding   = "lz4"
)

// signToken builds the bearer token attached to every request on this
// connection when an auth secret is configured.
func signToken(o Opts) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": o.Program,
		"uid": o.UID,
		"iat": time.Now().Unix(),
	})
	return tok.SignedString(o.AuthSecret)
}

// sealKey derives the fixed-width secretbox key from the configured
// secret.
func sealKey(secret []byte) [32]byte { return sha256.Sum256(secret) }

// seal encrypts an inject-path payload in place of the plaintext; the
// nonce travels in a request header so the peer can open the box.
func seal(secret, payload []byte) (sealed []byte, nonceHex string, err error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, "", errors.Wrap(err, "seal: nonce")
	}
	key := sealKey(secret)
	return secretbox.Seal(nil, payload, &nonce, &key), hex.EncodeToString(nonce[:]), nil
}

// open inverts seal for a sealed reply.
func open(secret, sealed []byte, nonceHex string) ([]byte, error) {
	raw, err := hex.DecodeString(nonceHex)
	if err != nil || len(raw) != 24 {
		return nil, cos.NewProtocolError("conn.open", errors.New("malformed seal nonce"))
	}
	var nonce [24]byte
	copy(nonce[:], raw)
	key := sealKey(secret)
	out, ok := secretbox.Open(nil, sealed, &nonce, &key)
	if !ok {
		return nil, cos.NewProtocolError("conn.open", errors.New("seal authentication failed"))
	}
	return out, nil
}

// lz4Compress frames payload with the same writer the teacher's archive
// path uses.
func lz4Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(payload []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(payload))
	return io.ReadAll(r)
}
