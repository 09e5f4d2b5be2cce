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

package reputation

import (
	"time"

	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/proofmarket/common"
	"github.com/provideplatform/proofmarket/prover"
)

// successResponsivenessWeight is the share of a successful observation attributable to
// completion itself; the remainder rewards response time relative to the configured target
const successResponsivenessWeight = 0.3

// Update folds a reported outcome into the prover reputation score as an exponentially
// weighted moving average, clamped to the registry score bounds. Reputation bookkeeping
// must never block outcome processing, so failures are logged and swallowed.
func Update(proverID uuid.UUID, success bool, responseTime time.Duration) {
	prvr, err := prover.Find(proverID)
	if err != nil {
		common.Log.Warningf("failed to update reputation for prover %s; %s", proverID, err.Error())
		return
	}

	score := Score(prvr.ReputationScore, success, responseTime)

	db := dbconf.DatabaseConnection()
	result := db.Model(&prover.Prover{}).Where("id = ?", proverID).Update("reputation_score", score)
	if len(result.GetErrors()) > 0 {
		common.Log.Warningf("failed to persist reputation %f for prover %s; %s", score, proverID, result.GetErrors()[0].Error())
		return
	}

	common.Log.Debugf("updated reputation for prover %s: %f -> %f", proverID, prvr.ReputationScore, score)
}

// Score computes the next reputation score from the current score and an observed outcome.
// A failed outcome observes zero; a successful outcome observes the score ceiling scaled by
// responsiveness against the configured target response time.
func Score(current float64, success bool, responseTime time.Duration) float64 {
	observation := 0.0
	if success {
		observation = prover.MaxReputationScore * (1.0 - successResponsivenessWeight + successResponsivenessWeight*responsivenessFactor(responseTime))
	}

	decay := common.ReputationDecayFactor
	score := decay*current + (1.0-decay)*observation

	return clamp(score)
}

// responsivenessFactor maps a response time onto [0.0, 1.0]; at or below the target the
// factor is 1.0 and it degrades proportionally beyond it
func responsivenessFactor(responseTime time.Duration) float64 {
	target := common.ReputationTargetResponseTime
	if target <= 0 || responseTime <= target {
		return 1.0
	}
	return float64(target) / float64(responseTime)
}

func clamp(score float64) float64 {
	if score < prover.MinReputationScore {
		return prover.MinReputationScore
	}
	if score > prover.MaxReputationScore {
		return prover.MaxReputationScore
	}
	return score
}
