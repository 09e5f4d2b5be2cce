/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package market

import (
	"sort"
	"time"

	"github.com/provideplatform/proofmarket/common"
	"github.com/provideplatform/proofmarket/prover"
)

// Candidate pairs a prover with its effective price and ETA for one request,
// either from a standing bid or synthesized from the prover's base price
type Candidate struct {
	Prover *prover.Prover
	Bid    *Bid

	Price      int64
	ETAMillis  int64
	ReceivedAt time.Time

	Score float64
}

// Rank scores each candidate by a weighted composite of normalized price,
// reputation and ETA, then orders candidates by score descending; ties are
// broken in favor of the earliest-received bid. Price and ETA are normalized
// as the candidate's complement of its share of the field total, so a cheaper
// or faster candidate scores closer to 1 regardless of absolute magnitude;
// reputation is normalized against the fixed 0-5 scale. Returns a new slice;
// the given candidates slice is not mutated.
func Rank(candidates []*Candidate) []*Candidate {
	if len(candidates) == 0 {
		return nil
	}

	ranked := make([]*Candidate, len(candidates))
	copy(ranked, candidates)

	var priceSum, etaSum float64
	for _, c := range ranked {
		priceSum += float64(c.Price)
		etaSum += float64(c.ETAMillis)
	}

	for _, c := range ranked {
		c.Score = common.MatchingPriceWeight*complementShare(float64(c.Price), priceSum, len(ranked)) +
			common.MatchingReputationWeight*(c.Prover.ReputationScore/prover.MaxReputationScore) +
			common.MatchingETAWeight*complementShare(float64(c.ETAMillis), etaSum, len(ranked))
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ReceivedAt.Before(ranked[j].ReceivedAt)
	})

	return ranked
}

// complementShare normalizes a lower-is-better value against the field total;
// a single-candidate field and a degenerate all-zero field both score 1
func complementShare(value, sum float64, n int) float64 {
	if n == 1 || sum == 0 {
		return 1.0
	}
	return 1.0 - value/sum
}

// filterEligible drops candidates that violate the request's price ceiling or
// reputation floor, or whose prover is not currently accepting work
func filterEligible(candidates []*Candidate, maxPrice *int64, minReputation *float64) []*Candidate {
	eligible := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if maxPrice != nil && c.Price > *maxPrice {
			continue
		}
		if minReputation != nil && c.Prover.ReputationScore < *minReputation {
			continue
		}
		if !c.Prover.Available() {
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible
}

// syntheticETA estimates completion time for a standing-price candidate from the
// prover's observed average generation time, falling back to the target response time
func syntheticETA(prvr *prover.Prover) int64 {
	if prvr.AvgGenerationTimeMillis > 0 {
		return prvr.AvgGenerationTimeMillis
	}
	return common.ReputationTargetResponseTime.Milliseconds()
}
