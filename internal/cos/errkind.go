// Typed error kinds from spec §7: ConfigError, TransportError,
// ProtocolError, BackendError, ResourceError. Each wraps an underlying
// cause and supports errors.Is/errors.As so call sites can branch on
// kind without string-matching, the way the teacher's cmn/cos error
// helpers let callers branch on classification functions instead of
// message text.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "fmt"

type Kind int

const (
	KindConfig Kind = iota
	KindTransport
	KindProtocol
	KindBackend
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindBackend:
		return "backend"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// KindError wraps an underlying cause with one of the five spec §7 error
// kinds. Transport and Protocol kinds are always terminal for the
// affected Connection (spec §7 "Propagation policy"); Backend errors are
// non-terminal and reduced into a batch's aggregate boolean result.
type KindError struct {
	Kind Kind
	Op   string // e.g. "pool.pop", "conn.send", "object.write"
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

func NewConfigError(op string, err error) error    { return &KindError{KindConfig, op, err} }
func NewTransportError(op string, err error) error { return &KindError{KindTransport, op, err} }
func NewProtocolError(op string, err error) error  { return &KindError{KindProtocol, op, err} }
func NewBackendError(op string, err error) error    { return &KindError{KindBackend, op, err} }
func NewResourceError(op string, err error) error   { return &KindError{KindResource, op, err} }

// IsKind reports whether err (or any error it wraps) is a KindError of
// kind k.
func IsKind(err error, k Kind) bool {
	for err != nil {
		if ke, ok := err.(*KindError); ok {
			return ke.Kind == k
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
