// +build unit

package prover

import (
	"testing"

	"github.com/provideplatform/proofmarket/common"
	"github.com/stretchr/testify/assert"
)

func proverFactory() *Prover {
	return &Prover{
		Identifier:        common.StringOrNil("prover.example.com"),
		Name:              common.StringOrNil("example prover"),
		SupportedBackends: []string{"groth16", "plonk"},
		BasePrice:         1000,
		PricingModel:      common.StringOrNil(PricingModelPerProof),
		ReputationScore:   DefaultReputationScore,
		Status:            common.StringOrNil(ProverStatusActive),
	}
}

func TestValidateWellFormedProfile(t *testing.T) {
	prvr := proverFactory()
	assert.True(t, prvr.Validate())
	assert.Len(t, prvr.Errors, 0)
}

func TestValidateRequiresIdentifierAndName(t *testing.T) {
	prvr := proverFactory()
	prvr.Identifier = nil
	prvr.Name = nil
	assert.False(t, prvr.Validate())
	assert.Len(t, prvr.Errors, 2)
}

func TestValidateRequiresBackends(t *testing.T) {
	prvr := proverFactory()
	prvr.SupportedBackends = nil
	assert.False(t, prvr.Validate())
}

func TestValidateRejectsNegativeBasePrice(t *testing.T) {
	prvr := proverFactory()
	prvr.BasePrice = -1
	assert.False(t, prvr.Validate())
}

func TestValidateRejectsUnsupportedPricingModel(t *testing.T) {
	prvr := proverFactory()
	prvr.PricingModel = common.StringOrNil("pay_what_you_want")
	assert.False(t, prvr.Validate())
}

func TestValidateRejectsOutOfRangeReputation(t *testing.T) {
	prvr := proverFactory()
	prvr.ReputationScore = MaxReputationScore + 1
	assert.False(t, prvr.Validate())
}

func TestSupportsBackend(t *testing.T) {
	prvr := proverFactory()
	assert.True(t, prvr.SupportsBackend("groth16"))
	assert.True(t, prvr.SupportsBackend("plonk"))
	assert.False(t, prvr.SupportsBackend("koalabear"))
}

func TestAvailableOnlyWhenActive(t *testing.T) {
	prvr := proverFactory()
	assert.True(t, prvr.Available())

	prvr.Status = common.StringOrNil(ProverStatusBusy)
	assert.False(t, prvr.Available())

	prvr.Status = common.StringOrNil(ProverStatusOffline)
	assert.False(t, prvr.Available())
}

func TestBackendsEncodeDecodeRoundtrip(t *testing.T) {
	prvr := proverFactory()
	prvr.encodeBackends()
	assert.NotEmpty(t, prvr.EncodedBackends)

	decoded := &Prover{EncodedBackends: prvr.EncodedBackends}
	decoded.enrich()
	assert.Equal(t, prvr.SupportedBackends, decoded.SupportedBackends)
}
