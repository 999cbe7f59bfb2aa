package mint

import (
	"testing"

	"github.com/cashubtc/cdk-sub008/cashu"
)

func TestCalculateFee(t *testing.T) {
	tests := []struct {
		name     string
		proofs   cashu.Proofs
		feePpk   map[string]uint
		expected uint64
	}{
		{
			// spec.md §8 S2: two proofs on a keyset with input_fee_ppk=100.
			// ceil(2*100/1000) = 1.
			name: "S2 two proofs same keyset",
			proofs: cashu.Proofs{
				{Amount: 32, Id: "00ffd48b8f5ecf80"},
				{Amount: 16, Id: "00ffd48b8f5ecf80"},
			},
			feePpk:   map[string]uint{"00ffd48b8f5ecf80": 100},
			expected: 1,
		},
		{
			name: "zero fee keyset",
			proofs: cashu.Proofs{
				{Amount: 4, Id: "00ffd48b8f5ecf80"},
			},
			feePpk:   map[string]uint{"00ffd48b8f5ecf80": 0},
			expected: 0,
		},
		{
			name: "mixed keysets rounds up",
			proofs: cashu.Proofs{
				{Amount: 1, Id: "keyset-a"},
				{Amount: 1, Id: "keyset-b"},
				{Amount: 1, Id: "keyset-b"},
			},
			feePpk:   map[string]uint{"keyset-a": 300, "keyset-b": 400},
			expected: 2, // ceil((300 + 400*2)/1000) = ceil(1100/1000) = 2
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fee := calculateFee(test.proofs, func(id string) uint { return test.feePpk[id] })
			if fee != test.expected {
				t.Fatalf("expected fee '%v' but got '%v'", test.expected, fee)
			}
		})
	}
}

func TestDistributeFee(t *testing.T) {
	proofs := cashu.Proofs{
		{Amount: 1, Id: "keyset-a"},
		{Amount: 1, Id: "keyset-b"},
		{Amount: 1, Id: "keyset-b"},
	}

	// spec.md §8 invariant 2: distribution is proportional to each
	// keyset's proof count, and the last keyset in sort order absorbs the
	// rounding remainder.
	distribution := distributeFee(2, proofs)

	var total uint64
	for _, share := range distribution {
		total += share
	}
	if total != 2 {
		t.Fatalf("expected distributed shares to sum to total fee 2, got %v", total)
	}

	// "keyset-b" sorts after "keyset-a" and holds 2 of 3 proofs, so it
	// absorbs whatever doesn't divide evenly.
	if distribution["keyset-a"] != 0 {
		t.Fatalf("expected keyset-a share 0 (2*1/3 truncates to 0), got %v", distribution["keyset-a"])
	}
	if distribution["keyset-b"] != 2 {
		t.Fatalf("expected keyset-b to absorb the full fee as rounding remainder, got %v", distribution["keyset-b"])
	}
}

func TestDistributeFeeNoProofs(t *testing.T) {
	distribution := distributeFee(5, cashu.Proofs{})
	if len(distribution) != 0 {
		t.Fatalf("expected empty distribution for no proofs, got %v", distribution)
	}
}
