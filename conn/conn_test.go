package conn

import "testing"

func TestRMARegisterReadRoundTrip(t *testing.T) {
	c := &Connection{rmaKey: 1, rmaRegion: make(map[uint64][]byte)}
	data := []byte("hello rma")
	desc := c.RMARegister(data)
	if desc.Key != 1 {
		t.Fatalf("first key = %d, want 1", desc.Key)
	}
	if desc.Size != uint64(len(data)) {
		t.Fatalf("size = %d, want %d", desc.Size, len(data))
	}

	dest := make([]byte, len(data))
	n, err := c.RMARead(desc, dest)
	if err != nil {
		t.Fatalf("RMARead: %v", err)
	}
	if n != len(data) || string(dest) != string(data) {
		t.Fatalf("got %q, want %q", dest[:n], data)
	}

	c.RMAUnregister(desc)
	if _, err := c.RMARead(desc, dest); err == nil {
		t.Fatalf("expected error reading unregistered region")
	}
}

func TestRMAKeysMonotonic(t *testing.T) {
	c := &Connection{rmaKey: 1, rmaRegion: make(map[uint64][]byte)}
	d1 := c.RMARegister([]byte("a"))
	d2 := c.RMARegister([]byte("bb"))
	if d2.Key <= d1.Key {
		t.Fatalf("keys not monotonic: %d then %d", d1.Key, d2.Key)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Unconnected:  "unconnected",
		Connecting:   "connecting",
		Connected:    "connected",
		ShuttingDown: "shutting-down",
		Closed:       "closed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
