// +build integration

package market

import (
	"fmt"
	"sync"
	"testing"
	"time"

	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/proofmarket/common"
	"github.com/provideplatform/proofmarket/prover"
	"github.com/provideplatform/proofmarket/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBackend scopes a test's provers and requests to a unique backend so
// concurrently persisted fixtures from other tests cannot be matched
func testBackend() string {
	return fmt.Sprintf("groth16-%s", common.RandomString(8))
}

func registerProverFactory(t *testing.T, backend string, basePrice int64, reputation float64) *prover.Prover {
	prvr := &prover.Prover{
		Identifier:        common.StringOrNil(fmt.Sprintf("prover-%s.example.com", common.RandomString(8))),
		Name:              common.StringOrNil("test prover"),
		SupportedBackends: []string{backend},
		BasePrice:         basePrice,
		PricingModel:      common.StringOrNil(prover.PricingModelPerProof),
		Status:            common.StringOrNil(prover.ProverStatusActive),
	}
	require.NoError(t, prover.Register(prvr))

	if reputation != prover.DefaultReputationScore {
		db := dbconf.DatabaseConnection()
		db.Model(&prover.Prover{}).Where("id = ?", prvr.ID).Update("reputation_score", reputation)
		prvr.ReputationScore = reputation
	}

	return prvr
}

func submitRequestFactory(t *testing.T, backend, intent string, maxPrice *int64) *request.Request {
	requesterID, _ := uuid.NewV4()
	req := &request.Request{
		RequesterID:      &requesterID,
		ProgramID:        common.StringOrNil("sha256:fibonacci"),
		InputRef:         common.StringOrNil(fmt.Sprintf("inputs/%s", common.RandomString(8))),
		PreferredBackend: common.StringOrNil(backend),
		Priority:         common.StringOrNil(request.PriorityNormal),
		PricingIntent:    common.StringOrNil(intent),
		MaxPrice:         maxPrice,
	}
	require.NoError(t, request.Submit(req))
	return req
}

func TestMatchingAssignsHighestScoringProver(t *testing.T) {
	backend := testBackend()
	cheapLowRep := registerProverFactory(t, backend, 1000, 3.0)
	pricierHighRep := registerProverFactory(t, backend, 1500, 4.5)

	req := submitRequestFactory(t, backend, request.IntentStanding, common.Int64OrNil(10000))

	assignment, err := matchRequest(req.ID)
	require.NoError(t, err)
	require.NotNil(t, assignment)

	assert.Equal(t, pricierHighRep.ID, assignment.ProverID)
	assert.NotEqual(t, cheapLowRep.ID, assignment.ProverID)
	assert.Equal(t, int64(1500), assignment.AgreedPrice)

	matched, err := request.Find(req.ID)
	require.NoError(t, err)
	assert.Equal(t, request.RequestStatusMatched, *matched.Status)
	assert.Equal(t, pricierHighRep.ID, *matched.AssignedProverID)

	winner, err := prover.Find(pricierHighRep.ID)
	require.NoError(t, err)
	assert.Equal(t, prover.ProverStatusBusy, *winner.Status)
}

func TestMatchingRespectsPriceCeiling(t *testing.T) {
	backend := testBackend()
	registerProverFactory(t, backend, 5000, 5.0)

	req := submitRequestFactory(t, backend, request.IntentStanding, common.Int64OrNil(100))

	_, err := matchRequest(req.ID)
	assert.Equal(t, ErrNoEligibleProver, err)

	pending, err := request.Find(req.ID)
	require.NoError(t, err)
	assert.Equal(t, request.RequestStatusPending, *pending.Status)
}

func TestMatchingCommitsAtMostOneAssignment(t *testing.T) {
	backend := testBackend()
	for i := 0; i < 4; i++ {
		registerProverFactory(t, backend, 1000, 4.0)
	}

	req := submitRequestFactory(t, backend, request.IntentStanding, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			matchRequest(req.ID)
		}()
	}
	wg.Wait()

	db := dbconf.DatabaseConnection()
	var count int64
	db.Model(&Assignment{}).Where("request_id = ?", req.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestOutcomeSuccessCompletesRequest(t *testing.T) {
	backend := testBackend()
	prvr := registerProverFactory(t, backend, 1000, 3.0)
	req := submitRequestFactory(t, backend, request.IntentStanding, nil)

	assignment, err := matchRequest(req.ID)
	require.NoError(t, err)
	require.NotNil(t, assignment)

	generationTime := int64(45000)
	settled, err := ReportOutcome(req.ID, prvr.ID, true, &OutcomeMetrics{
		GenerationTimeMillis: &generationTime,
	})
	require.NoError(t, err)
	assert.Equal(t, AssignmentOutcomeSuccess, *settled.Outcome)

	completed, err := request.Find(req.ID)
	require.NoError(t, err)
	assert.Equal(t, request.RequestStatusCompleted, *completed.Status)

	released, err := prover.Find(prvr.ID)
	require.NoError(t, err)
	assert.Equal(t, prover.ProverStatusActive, *released.Status)
	assert.Greater(t, released.ReputationScore, 3.0)
	assert.Equal(t, uint64(1), released.TotalProofs)
	assert.Equal(t, uint64(1), released.SuccessfulProofs)
}

func TestOutcomeRejectsUnassignedProver(t *testing.T) {
	backend := testBackend()
	prvr := registerProverFactory(t, backend, 1000, 3.0)
	imposter := registerProverFactory(t, backend, 1000, 3.0)
	req := submitRequestFactory(t, backend, request.IntentStanding, nil)

	assignment, err := matchRequest(req.ID)
	require.NoError(t, err)
	require.NotNil(t, assignment)

	reporter := imposter.ID
	if assignment.ProverID == imposter.ID {
		reporter = prvr.ID
	}

	_, err = ReportOutcome(req.ID, reporter, true, nil)
	assert.Equal(t, ErrProverMismatch, err)
}

func TestFailureRequeuesUntilRetriesExhausted(t *testing.T) {
	backend := testBackend()
	prvr := registerProverFactory(t, backend, 1000, 4.0)
	req := submitRequestFactory(t, backend, request.IntentStanding, nil)

	for attempt := uint32(1); attempt <= common.MatchingMaxRetries; attempt++ {
		assignment, err := matchRequest(req.ID)
		require.NoError(t, err)
		require.NotNil(t, assignment)
		require.Equal(t, prvr.ID, assignment.ProverID)

		_, err = ReportOutcome(req.ID, prvr.ID, false, nil)
		require.NoError(t, err)

		current, err := request.Find(req.ID)
		require.NoError(t, err)

		if attempt < common.MatchingMaxRetries {
			assert.Equal(t, request.RequestStatusPending, *current.Status)
			assert.Equal(t, attempt, current.RetryCount)
		} else {
			assert.Equal(t, request.RequestStatusFailed, *current.Status)
		}
	}
}

func TestCancelRejectedOnceMatched(t *testing.T) {
	backend := testBackend()
	registerProverFactory(t, backend, 1000, 4.0)
	req := submitRequestFactory(t, backend, request.IntentStanding, nil)

	assignment, err := matchRequest(req.ID)
	require.NoError(t, err)
	require.NotNil(t, assignment)

	err = request.Cancel(req.ID, req.RequesterID)
	assert.Equal(t, request.ErrInvalidTransition, err)
}

func TestStandingRequestHonorsExplicitBid(t *testing.T) {
	backend := testBackend()
	prvr := registerProverFactory(t, backend, 5000, 4.0)

	// base price exceeds the ceiling; only the explicit bid can win
	req := submitRequestFactory(t, backend, request.IntentStanding, common.Int64OrNil(2000))

	bid, err := SubmitBid(req.ID, prvr.ID, 1500, time.Minute)
	require.NoError(t, err)

	assignment, err := matchRequest(req.ID)
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, prvr.ID, assignment.ProverID)
	assert.Equal(t, int64(1500), assignment.AgreedPrice)
	require.NotNil(t, assignment.BidID)
	assert.Equal(t, bid.ID, *assignment.BidID)

	db := dbconf.DatabaseConnection()
	accepted := &Bid{}
	db.Where("id = ?", bid.ID).Find(&accepted)
	assert.Equal(t, BidStatusAccepted, *accepted.Status)
}

func TestMatchingExpiresOverdueRequest(t *testing.T) {
	backend := testBackend()
	prvr := registerProverFactory(t, backend, 1000, 4.0)
	req := submitRequestFactory(t, backend, request.IntentStanding, nil)

	db := dbconf.DatabaseConnection()
	overdue := time.Now().Add(-time.Second)
	db.Model(&request.Request{}).Where("id = ?", req.ID).Update("deadline_at", overdue)

	assignment, err := matchRequest(req.ID)
	require.NoError(t, err)
	assert.Nil(t, assignment)

	expired, err := request.Find(req.ID)
	require.NoError(t, err)
	assert.Equal(t, request.RequestStatusExpired, *expired.Status)

	idle, err := prover.Find(prvr.ID)
	require.NoError(t, err)
	assert.Equal(t, prover.ProverStatusActive, *idle.Status)
}

func TestWatchdogExpiresOverdueRequest(t *testing.T) {
	backend := testBackend()
	req := submitRequestFactory(t, backend, request.IntentStanding, nil)

	db := dbconf.DatabaseConnection()
	overdue := time.Now().Add(-time.Second)
	db.Model(&request.Request{}).Where("id = ?", req.ID).Update("deadline_at", overdue)

	tick()

	expired, err := request.Find(req.ID)
	require.NoError(t, err)
	assert.Equal(t, request.RequestStatusExpired, *expired.Status)
}

func TestWatchdogTimesOutStalledAssignment(t *testing.T) {
	backend := testBackend()
	prvr := registerProverFactory(t, backend, 1000, 4.0)
	req := submitRequestFactory(t, backend, request.IntentStanding, nil)

	assignment, err := matchRequest(req.ID)
	require.NoError(t, err)
	require.NotNil(t, assignment)

	db := dbconf.DatabaseConnection()
	stalled := time.Now().Add(-common.AssignmentTimeout - time.Minute)
	db.Model(&request.Request{}).Where("id = ?", req.ID).Update("matched_at", stalled)

	timedOut := timeoutStalledAssignments()
	require.GreaterOrEqual(t, timedOut, 1)

	settled := &Assignment{}
	db.Where("id = ?", assignment.ID).Find(&settled)
	assert.Equal(t, AssignmentOutcomeTimeout, *settled.Outcome)

	requeued, err := request.Find(req.ID)
	require.NoError(t, err)
	assert.Equal(t, request.RequestStatusPending, *requeued.Status)
	assert.Equal(t, uint32(1), requeued.RetryCount)

	released, err := prover.Find(prvr.ID)
	require.NoError(t, err)
	assert.Equal(t, prover.ProverStatusActive, *released.Status)

	// a late report loses the race against the watchdog
	_, err = ReportOutcome(req.ID, prvr.ID, true, nil)
	assert.Equal(t, request.ErrInvalidTransition, err)
}

func TestOutcomeRejectedForUnmatchedRequest(t *testing.T) {
	backend := testBackend()
	prvr := registerProverFactory(t, backend, 1000, 4.0)
	req := submitRequestFactory(t, backend, request.IntentStanding, nil)

	_, err := ReportOutcome(req.ID, prvr.ID, true, nil)
	assert.Equal(t, request.ErrInvalidTransition, err)
}

func TestAuctionLastBidWinsWithinWindow(t *testing.T) {
	backend := testBackend()
	prvr := registerProverFactory(t, backend, 1000, 4.0)
	req := submitRequestFactory(t, backend, request.IntentAuction, nil)

	first, err := SubmitBid(req.ID, prvr.ID, 2000, time.Minute)
	require.NoError(t, err)

	second, err := SubmitBid(req.ID, prvr.ID, 1800, time.Minute)
	require.NoError(t, err)

	db := dbconf.DatabaseConnection()

	superseded := &Bid{}
	db.Where("id = ?", first.ID).Find(&superseded)
	assert.Equal(t, BidStatusSuperseded, *superseded.Status)

	standing := ActiveBids(req.ID)
	require.Len(t, standing, 1)
	assert.Equal(t, second.ID, standing[0].ID)
	assert.Equal(t, int64(1800), standing[0].Price)
}

func TestBidRejectedAfterWindowCloses(t *testing.T) {
	backend := testBackend()
	prvr := registerProverFactory(t, backend, 1000, 4.0)
	req := submitRequestFactory(t, backend, request.IntentAuction, nil)

	_, err := SubmitBid(req.ID, prvr.ID, 2000, time.Minute)
	require.NoError(t, err)

	db := dbconf.DatabaseConnection()
	expired := time.Now().Add(-time.Second)
	db.Model(&request.Request{}).Where("id = ?", req.ID).Update("bidding_window_expires_at", expired)

	_, err = SubmitBid(req.ID, prvr.ID, 1500, time.Minute)
	assert.Equal(t, ErrBidWindowClosed, err)
}

func TestBidRejectsExcessiveETA(t *testing.T) {
	backend := testBackend()
	prvr := registerProverFactory(t, backend, 1000, 4.0)
	req := submitRequestFactory(t, backend, request.IntentAuction, nil)

	_, err := SubmitBid(req.ID, prvr.ID, 2000, 2*time.Hour)
	assert.Equal(t, ErrInvalidBid, err)
}

func TestAuctionFinalizationSelectsBestBid(t *testing.T) {
	backend := testBackend()
	cheapLowRep := registerProverFactory(t, backend, 1000, 3.0)
	pricierHighRep := registerProverFactory(t, backend, 1000, 4.5)

	req := submitRequestFactory(t, backend, request.IntentAuction, nil)

	_, err := SubmitBid(req.ID, cheapLowRep.ID, 1000, time.Minute)
	require.NoError(t, err)
	_, err = SubmitBid(req.ID, pricierHighRep.ID, 1500, time.Minute)
	require.NoError(t, err)

	// force the window shut and finalize
	db := dbconf.DatabaseConnection()
	expired := time.Now().Add(-time.Second)
	db.Model(&request.Request{}).Where("id = ?", req.ID).Update("bidding_window_expires_at", expired)

	assignment, err := matchRequest(req.ID)
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, pricierHighRep.ID, assignment.ProverID)
	assert.Equal(t, int64(1500), assignment.AgreedPrice)

	var rejected int64
	db.Model(&Bid{}).Where("request_id = ? AND status = ?", req.ID, BidStatusRejected).Count(&rejected)
	assert.Equal(t, int64(1), rejected)
}
