// +build unit

package request

import (
	"testing"
	"time"

	"github.com/provideplatform/proofmarket/common"
	"github.com/stretchr/testify/assert"
)

func requestFactory(priority string, createdAt time.Time) *Request {
	req := &Request{
		ProgramID: common.StringOrNil("sha256:fibonacci"),
		InputRef:  common.StringOrNil("inputs/0001"),
		Priority:  common.StringOrNil(priority),
	}
	req.CreatedAt = createdAt
	return req
}

func TestSortForMatchingPriorityOrder(t *testing.T) {
	now := time.Now()

	low := requestFactory(PriorityLow, now)
	normal := requestFactory(PriorityNormal, now)
	urgent := requestFactory(PriorityUrgent, now)
	high := requestFactory(PriorityHigh, now)

	requests := []*Request{low, normal, urgent, high}
	SortForMatching(requests, now)

	assert.Equal(t, urgent, requests[0])
	assert.Equal(t, high, requests[1])
	assert.Equal(t, normal, requests[2])
	assert.Equal(t, low, requests[3])
}

func TestSortForMatchingFIFOWithinPriority(t *testing.T) {
	now := time.Now()

	older := requestFactory(PriorityNormal, now.Add(-2*time.Minute))
	newer := requestFactory(PriorityNormal, now.Add(-1*time.Minute))

	requests := []*Request{newer, older}
	SortForMatching(requests, now)

	assert.Equal(t, older, requests[0])
	assert.Equal(t, newer, requests[1])
}

func TestSortForMatchingAgedRequestOutranksFresh(t *testing.T) {
	now := time.Now()

	// two aging thresholds waited promotes low past a fresh normal
	agedLow := requestFactory(PriorityLow, now.Add(-2*common.RequestAgingThreshold))
	freshNormal := requestFactory(PriorityNormal, now)

	requests := []*Request{freshNormal, agedLow}
	SortForMatching(requests, now)

	assert.Equal(t, agedLow, requests[0])
}

func TestEffectivePriorityRankAgingCappedAtUrgent(t *testing.T) {
	now := time.Now()

	req := requestFactory(PriorityLow, now.Add(-100*common.RequestAgingThreshold))
	assert.Equal(t, priorityRanks[PriorityUrgent], req.EffectivePriorityRank(now))
}

func TestEffectivePriorityRankUnaged(t *testing.T) {
	now := time.Now()

	req := requestFactory(PriorityHigh, now)
	assert.Equal(t, priorityRanks[PriorityHigh], req.EffectivePriorityRank(now))
}

func TestBidWindowOpenStandingRequest(t *testing.T) {
	now := time.Now()

	req := requestFactory(PriorityNormal, now)
	req.Status = common.StringOrNil(RequestStatusPending)
	req.PricingIntent = common.StringOrNil(IntentStanding)

	assert.True(t, req.BidWindowOpen(now))
}

func TestBidWindowOpenAuctionBeforeFirstBid(t *testing.T) {
	now := time.Now()

	req := requestFactory(PriorityNormal, now)
	req.Status = common.StringOrNil(RequestStatusPending)
	req.PricingIntent = common.StringOrNil(IntentAuction)

	// the window opens on receipt of the first bid; until then bids are accepted
	assert.True(t, req.BidWindowOpen(now))
}

func TestBidWindowClosesOnExpiry(t *testing.T) {
	now := time.Now()

	req := requestFactory(PriorityNormal, now)
	req.Status = common.StringOrNil(RequestStatusPending)
	req.PricingIntent = common.StringOrNil(IntentAuction)

	expiry := now.Add(-time.Second)
	req.BiddingWindowExpiresAt = &expiry

	assert.False(t, req.BidWindowOpen(now))
}

func TestBidWindowClosedOnceMatched(t *testing.T) {
	now := time.Now()

	req := requestFactory(PriorityNormal, now)
	req.Status = common.StringOrNil(RequestStatusMatched)

	assert.False(t, req.BidWindowOpen(now))
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []string{RequestStatusCompleted, RequestStatusCancelled, RequestStatusExpired, RequestStatusFailed}
	for _, status := range terminal {
		req := &Request{Status: common.StringOrNil(status)}
		assert.True(t, req.Terminal(), status)
	}

	nonTerminal := []string{RequestStatusPending, RequestStatusMatched, RequestStatusRetrying}
	for _, status := range nonTerminal {
		req := &Request{Status: common.StringOrNil(status)}
		assert.False(t, req.Terminal(), status)
	}
}

func TestAssignmentDeadlineBoundedByRequestDeadline(t *testing.T) {
	now := time.Now()

	req := requestFactory(PriorityNormal, now)
	matchedAt := now
	req.MatchedAt = &matchedAt

	deadline := now.Add(common.AssignmentTimeout / 2)
	req.DeadlineAt = &deadline

	assert.Equal(t, deadline, req.AssignmentDeadline())
}

func TestAssignmentDeadlineDefaultsToTimeout(t *testing.T) {
	now := time.Now()

	req := requestFactory(PriorityNormal, now)
	matchedAt := now
	req.MatchedAt = &matchedAt

	assert.Equal(t, matchedAt.Add(common.AssignmentTimeout), req.AssignmentDeadline())
}

func TestValidateRequiresProgramAndInput(t *testing.T) {
	req := &Request{}
	assert.False(t, req.Validate())
	assert.Len(t, req.Errors, 2)
}

func TestValidateRejectsNegativeMaxPrice(t *testing.T) {
	req := requestFactory(PriorityNormal, time.Now())
	req.MaxPrice = common.Int64OrNil(-1)
	assert.False(t, req.Validate())
}

func TestValidateRejectsUnsupportedPriority(t *testing.T) {
	req := requestFactory("asap", time.Now())
	assert.False(t, req.Validate())
}

func TestValidateRejectsUnsupportedPricingIntent(t *testing.T) {
	req := requestFactory(PriorityNormal, time.Now())
	req.PricingIntent = common.StringOrNil("dutch")
	assert.False(t, req.Validate())
}

func TestValidateRejectsPastDeadline(t *testing.T) {
	req := requestFactory(PriorityNormal, time.Now())
	deadline := time.Now().Add(-time.Minute)
	req.DeadlineAt = &deadline
	assert.False(t, req.Validate())
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	req := requestFactory(PriorityNormal, time.Now())
	req.PricingIntent = common.StringOrNil(IntentAuction)
	req.MaxPrice = common.Int64OrNil(10000)
	deadline := time.Now().Add(time.Hour)
	req.DeadlineAt = &deadline

	assert.True(t, req.Validate())
	assert.Len(t, req.Errors, 0)
}
