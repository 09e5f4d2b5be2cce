// +build unit

package reputation

import (
	"testing"
	"time"

	"github.com/provideplatform/proofmarket/common"
	"github.com/provideplatform/proofmarket/prover"
	"github.com/stretchr/testify/assert"
)

func TestScoreSuccessAtTargetResponseTime(t *testing.T) {
	// observation is the full ceiling when the prover responds within the target
	score := Score(3.0, true, common.ReputationTargetResponseTime)

	expected := common.ReputationDecayFactor*3.0 + (1.0-common.ReputationDecayFactor)*prover.MaxReputationScore
	assert.InDelta(t, expected, score, 0.0001)
	assert.Greater(t, score, 3.0)
}

func TestScoreSuccessSlowResponse(t *testing.T) {
	fast := Score(3.0, true, common.ReputationTargetResponseTime)
	slow := Score(3.0, true, common.ReputationTargetResponseTime*4)

	assert.Greater(t, fast, slow)
	assert.Greater(t, slow, 3.0) // a slow success still improves a mid-range score
}

func TestScoreFailureDecaysTowardFloor(t *testing.T) {
	score := Score(3.0, false, time.Minute)

	expected := common.ReputationDecayFactor * 3.0
	assert.InDelta(t, expected, score, 0.0001)
	assert.Less(t, score, 3.0)
}

func TestScoreRepeatedFailuresApproachFloor(t *testing.T) {
	score := prover.MaxReputationScore
	for i := 0; i < 100; i++ {
		score = Score(score, false, time.Minute)
	}
	assert.InDelta(t, prover.MinReputationScore, score, 0.05)
}

func TestScoreClampedToCeiling(t *testing.T) {
	score := Score(prover.MaxReputationScore, true, time.Second)
	assert.LessOrEqual(t, score, prover.MaxReputationScore)
}

func TestScoreClampedToFloor(t *testing.T) {
	score := Score(prover.MinReputationScore, false, time.Minute)
	assert.GreaterOrEqual(t, score, prover.MinReputationScore)
}

func TestResponsivenessFactorBounds(t *testing.T) {
	assert.Equal(t, 1.0, responsivenessFactor(0))
	assert.Equal(t, 1.0, responsivenessFactor(common.ReputationTargetResponseTime))
	assert.InDelta(t, 0.5, responsivenessFactor(common.ReputationTargetResponseTime*2), 0.0001)
}
