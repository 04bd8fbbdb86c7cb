package distribution_test

import (
	"math/rand"

	"github.com/julea-io/julea-go/distribution"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("New", func() {
	It("rejects a non-positive server count", func() {
		_, err := distribution.New(distribution.RoundRobin, 0, 4, 0)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a non-positive stripe size", func() {
		_, err := distribution.New(distribution.RoundRobin, 3, 0, 0)
		Expect(err).To(HaveOccurred())
	})

	It("rejects an unknown kind", func() {
		_, err := distribution.New(distribution.Kind(99), 3, 4, 0)
		Expect(err).To(HaveOccurred())
	})
})

// drain collects every Slice a freshly Reset Distribution yields.
func drain(d distribution.Distribution, length, offset int64) []distribution.Slice {
	d.Reset(length, offset)
	var out []distribution.Slice
	for {
		s, ok := d.Distribute()
		if !ok {
			break
		}
		out = append(out, s)
	}
	return out
}

var _ = Describe("RoundRobin", func() {
	// Scenario S1: write 10 bytes at offset 0, N=3, B=4, start_index=0.
	It("matches the worked write scenario", func() {
		d, err := distribution.New(distribution.RoundRobin, 3, 4, 0)
		Expect(err).NotTo(HaveOccurred())

		slices := drain(d, 10, 0)
		Expect(slices).To(Equal([]distribution.Slice{
			{ServerIdx: 0, SubLength: 4, SubOffset: 0, BlockID: 0},
			{ServerIdx: 1, SubLength: 4, SubOffset: 0, BlockID: 1},
			{ServerIdx: 2, SubLength: 2, SubOffset: 0, BlockID: 2},
		}))
	})

	// Scenario S2: read 6 bytes at offset 3, N=3, B=4, start_index=0.
	It("matches the worked read scenario", func() {
		d, err := distribution.New(distribution.RoundRobin, 3, 4, 0)
		Expect(err).NotTo(HaveOccurred())

		slices := drain(d, 6, 3)
		Expect(slices).To(Equal([]distribution.Slice{
			{ServerIdx: 0, SubLength: 1, SubOffset: 3, BlockID: 0},
			{ServerIdx: 1, SubLength: 4, SubOffset: 0, BlockID: 1},
			{ServerIdx: 2, SubLength: 1, SubOffset: 0, BlockID: 2},
		}))
	})

	It("returns no slices for a zero-length range", func() {
		d, err := distribution.New(distribution.RoundRobin, 3, 4, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(drain(d, 0, 0)).To(BeEmpty())
	})

	It("rejects Set and Set2, having no parameters", func() {
		d, _ := distribution.New(distribution.RoundRobin, 3, 4, 0)
		Expect(d.Set("anything", 1)).To(HaveOccurred())
		Expect(d.Set2("anything", 1, 2)).To(HaveOccurred())
	})
})

var _ = Describe("SingleServer", func() {
	It("keeps sub_offset equal to the caller's offset", func() {
		d, err := distribution.New(distribution.SingleServer, 3, 4, 0)
		Expect(err).NotTo(HaveOccurred())

		slices := drain(d, 10, 3)
		Expect(slices).To(HaveLen(4))
		for _, s := range slices {
			Expect(s.ServerIdx).To(Equal(0)) // seed 0 -> start index 0
		}
		Expect(slices[0]).To(Equal(distribution.Slice{ServerIdx: 0, SubLength: 1, SubOffset: 3, BlockID: 0}))
		Expect(slices[1]).To(Equal(distribution.Slice{ServerIdx: 0, SubLength: 4, SubOffset: 4, BlockID: 1}))
		Expect(slices[2]).To(Equal(distribution.Slice{ServerIdx: 0, SubLength: 4, SubOffset: 8, BlockID: 2}))
		Expect(slices[3]).To(Equal(distribution.Slice{ServerIdx: 0, SubLength: 1, SubOffset: 12, BlockID: 3}))
	})

	It("picks the same start server for the same seed", func() {
		d1, _ := distribution.New(distribution.SingleServer, 5, 4, 12345)
		d2, _ := distribution.New(distribution.SingleServer, 5, 4, 12345)
		s1 := drain(d1, 1, 0)[0]
		s2 := drain(d2, 1, 0)[0]
		Expect(s1.ServerIdx).To(Equal(s2.ServerIdx))
		Expect(s1.ServerIdx).To(BeNumerically(">=", 0))
		Expect(s1.ServerIdx).To(BeNumerically("<", 5))
	})
})

var _ = Describe("Weighted", func() {
	It("defaults to uniform weight-1 round-robin-like fanout", func() {
		d, err := distribution.New(distribution.Weighted, 3, 4, 0)
		Expect(err).NotTo(HaveOccurred())

		slices := drain(d, 10, 0)
		Expect(slices).To(Equal([]distribution.Slice{
			{ServerIdx: 0, SubLength: 4, SubOffset: 0, BlockID: 0},
			{ServerIdx: 1, SubLength: 4, SubOffset: 0, BlockID: 1},
			{ServerIdx: 2, SubLength: 2, SubOffset: 0, BlockID: 2},
		}))
	})

	It("rejects weight updates that would zero out every server", func() {
		d, _ := distribution.New(distribution.Weighted, 2, 4, 0)
		Expect(d.Set2("weight", 0, 0)).NotTo(HaveOccurred()) // server 1 still weight 1
		Expect(d.Set2("weight", 1, 0)).To(HaveOccurred())    // would make sum 0
	})

	It("rejects an unknown parameter key", func() {
		d, _ := distribution.New(distribution.Weighted, 2, 4, 0)
		Expect(d.Set2("nope", 0, 1)).To(HaveOccurred())
		Expect(d.Set("nope", 1)).To(HaveOccurred())
	})

	It("gives a 2x-weighted server twice the blocks of a 1x server over a full cycle", func() {
		d, err := distribution.New(distribution.Weighted, 2, 4, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Set2("weight", 0, 2)).NotTo(HaveOccurred())

		// sum=3, one full cycle covers 3 blocks of B=4 bytes each.
		slices := drain(d, 12, 0)
		Expect(slices).To(HaveLen(3))
		counts := map[int]int{}
		for _, s := range slices {
			counts[s.ServerIdx]++
		}
		Expect(counts[0]).To(Equal(2))
		Expect(counts[1]).To(Equal(1))
	})
})

// Testable property from spec §8: for every kind/N/B/length/offset, the
// sum of sub-lengths equals length, every server_idx is < N, and every
// sub_length is <= B.
var _ = Describe("coverage property", func() {
	kinds := []distribution.Kind{distribution.RoundRobin, distribution.SingleServer, distribution.Weighted}

	It("covers the whole range with in-range, stripe-bounded slices across random shapes", func() {
		rng := rand.New(rand.NewSource(1))
		for trial := 0; trial < 200; trial++ {
			n := 1 + rng.Intn(8)
			b := int64(1 + rng.Intn(64))
			length := int64(rng.Intn(2048))
			offset := int64(rng.Intn(2048))
			kind := kinds[rng.Intn(len(kinds))]

			d, err := distribution.New(kind, n, b, rng.Uint64())
			Expect(err).NotTo(HaveOccurred())

			slices := drain(d, length, offset)

			var total int64
			for _, s := range slices {
				Expect(s.ServerIdx).To(BeNumerically(">=", 0))
				Expect(s.ServerIdx).To(BeNumerically("<", n))
				Expect(s.SubLength).To(BeNumerically("<=", b))
				Expect(s.SubLength).To(BeNumerically(">", 0))
				total += s.SubLength
			}
			Expect(total).To(Equal(length))
		}
	})
})
