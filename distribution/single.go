package distribution

import "fmt"

// singleServer implements spec §4.3's single-server strategy: the server
// is fixed at New() by the start-index RNG; slicing is by B as in
// round-robin but sub_offset equals the caller's offset verbatim (there
// is only one server, so no per-server remapping is needed).
type singleServer struct {
	base
	server int
}

func (s *singleServer) Kind() Kind { return SingleServer }

func (s *singleServer) Set(key string, _ any) error {
	return fmt.Errorf("distribution: single-server has no parameter %q", key)
}

func (s *singleServer) Set2(key string, _, _ any) error {
	return fmt.Errorf("distribution: single-server has no parameter %q", key)
}

func (s *singleServer) Distribute() (Slice, bool) {
	if s.remaining() == 0 {
		return Slice{}, false
	}
	B := s.stripeSize
	block := s.offset / B
	displacement := s.offset % B
	subLen := s.length
	if B-displacement < subLen {
		subLen = B - displacement
	}
	slice := Slice{ServerIdx: s.server, SubLength: subLen, SubOffset: s.offset, BlockID: block}
	s.advance(subLen)
	return slice, true
}
