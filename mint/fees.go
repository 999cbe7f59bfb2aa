package mint

import (
	"sort"

	"github.com/cashubtc/cdk-sub008/cashu"
)

// feeForKeyset is the subset of keyset state the fee calculation needs:
// how many input proofs reference it and its per-thousand input fee.
type feeForKeyset struct {
	KeysetId    string
	Count       int
	InputFeePpk uint
}

// calculateFee computes the total input fee for a swap/melt, per spec.md
// §4.6/§8 invariant 2: fee = ceil(Σ(count_per_keyset · input_fee_ppk) / 1000).
// Grounded on original_source/crates/cdk/src/fees.rs's separation of the
// fee math from the engines that call it.
func calculateFee(proofs cashu.Proofs, feePpk func(keysetId string) uint) uint64 {
	counts := make(map[string]int)
	for _, p := range proofs {
		counts[p.Id]++
	}

	var sum uint64
	for keysetId, count := range counts {
		sum += uint64(count) * uint64(feePpk(keysetId))
	}

	return (sum + 999) / 1000
}

// distributeFee splits a total fee across the keysets referenced by
// proofs, proportionally to each keyset's proof count, with the
// last keyset (by sorted id) absorbing the rounding remainder
// (spec.md §8 invariant 2: "the last keyset in sort order absorbs rounding
// remainder").
func distributeFee(totalFee uint64, proofs cashu.Proofs) map[string]uint64 {
	counts := make(map[string]int)
	totalCount := 0
	for _, p := range proofs {
		counts[p.Id]++
		totalCount++
	}
	if totalCount == 0 {
		return map[string]uint64{}
	}

	keysetIds := make([]string, 0, len(counts))
	for id := range counts {
		keysetIds = append(keysetIds, id)
	}
	sort.Strings(keysetIds)

	distribution := make(map[string]uint64, len(keysetIds))
	var distributed uint64
	for i, id := range keysetIds {
		if i == len(keysetIds)-1 {
			distribution[id] = totalFee - distributed
			break
		}
		share := totalFee * uint64(counts[id]) / uint64(totalCount)
		distribution[id] = share
		distributed += share
	}

	return distribution
}
