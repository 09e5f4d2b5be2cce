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
	"encoding/json"
	"errors"
	"time"

	dbconf "github.com/kthomas/go-db-config"
	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/proofmarket/audit"
	"github.com/provideplatform/proofmarket/common"
	"github.com/provideplatform/proofmarket/prover"
	"github.com/provideplatform/proofmarket/reputation"
	"github.com/provideplatform/proofmarket/request"
)

// ErrNoEligibleProver is returned when no registered prover satisfies the
// request's constraints
var ErrNoEligibleProver = errors.New("no eligible prover")

// ErrProverMismatch is returned when an outcome is reported by a prover other
// than the one assigned to the request
var ErrProverMismatch = errors.New("prover not assigned to request")

// OutcomeMetrics carries optional proof telemetry reported with an outcome
type OutcomeMetrics struct {
	GenerationTimeMillis *int64 `json:"generation_time_millis,omitempty"`
	ProofSizeBytes       *int64 `json:"proof_size_bytes,omitempty"`
	CycleCount           *int64 `json:"cycle_count,omitempty"`
}

// RunMatchingRound drains the pending queue in priority order, attempting to
// match each request; returns the number of requests matched
func RunMatchingRound() int {
	pending := request.PendingQueue()
	if len(pending) == 0 {
		return 0
	}

	now := time.Now()
	request.SortForMatching(pending, now)

	matched := 0
	for _, req := range pending {
		assignment, err := matchRequest(req.ID)
		if err != nil {
			if !errors.Is(err, ErrNoEligibleProver) {
				common.Log.Warningf("failed to match request %s; %s", req.ID, err.Error())
			}
			continue
		}
		if assignment != nil {
			matched++
		}
	}

	if matched > 0 {
		common.Log.Debugf("matching round matched %d of %d pending requests", matched, len(pending))
	}
	return matched
}

// matchRequest attempts to match a single pending request, committing at most
// one assignment; a nil assignment with nil error indicates the request is
// waiting on an open bidding window
func matchRequest(requestID uuid.UUID) (*Assignment, error) {
	var assignment *Assignment

	err := withRequestLock(requestID, func() error {
		req, err := request.Find(requestID)
		if err != nil {
			return err
		}

		now := time.Now()

		if req.Status == nil || *req.Status != request.RequestStatusPending {
			return nil
		}

		if req.DeadlineAt != nil && now.After(*req.DeadlineAt) {
			if request.CompareAndTransition(req.ID, request.RequestStatusPending, request.RequestStatusExpired) {
				audit.Append(&req.ID, nil, "request.expired", nil)
			}
			return nil
		}

		// auctioned requests wait for the bidding window to close
		if req.Auction() && req.BidWindowOpen(now) {
			return nil
		}

		candidates := gatherCandidates(req)
		eligible := filterEligible(candidates, req.MaxPrice, req.MinReputation)
		if len(eligible) == 0 {
			return ErrNoEligibleProver
		}

		for _, candidate := range Rank(eligible) {
			if !prover.TryAcquire(candidate.Prover.ID) {
				continue
			}

			if !request.CompareAndTransition(req.ID, request.RequestStatusPending, request.RequestStatusMatched) {
				prover.Release(candidate.Prover.ID)
				return nil
			}

			assignment = commitAssignment(req, candidate, now)
			if assignment == nil {
				// roll back; the request returns to the queue
				request.CompareAndTransition(req.ID, request.RequestStatusMatched, request.RequestStatusPending)
				prover.Release(candidate.Prover.ID)
				return errors.New("failed to persist assignment")
			}
			return nil
		}

		return ErrNoEligibleProver
	})

	return assignment, err
}

// gatherCandidates resolves the candidate provers for the given request; a
// candidate carries an explicit standing bid when the prover submitted one, or
// a synthetic bid at the prover's advertised base price otherwise. An auctioned
// request with standing bids is matched among its bids alone
func gatherCandidates(req *request.Request) []*Candidate {
	bids := ActiveBids(req.ID)

	candidates := make([]*Candidate, 0, len(bids))
	bidders := map[uuid.UUID]struct{}{}
	for _, bid := range bids {
		prvr, err := prover.Find(bid.ProverID)
		if err != nil {
			continue
		}
		if req.PreferredBackend != nil && !prvr.SupportsBackend(*req.PreferredBackend) {
			continue
		}
		bidders[prvr.ID] = struct{}{}
		candidates = append(candidates, &Candidate{
			Prover:     prvr,
			Bid:        bid,
			Price:      bid.Price,
			ETAMillis:  bid.ETAMillis,
			ReceivedAt: bid.CreatedAt,
		})
	}

	if req.Auction() && len(candidates) > 0 {
		return candidates
	}
	// an auction window that closed without bids falls back to standing prices

	status := prover.ProverStatusActive
	provers := prover.Search(req.PreferredBackend, req.MaxPrice, req.MinReputation, &status)

	for _, prvr := range provers {
		if _, bidder := bidders[prvr.ID]; bidder {
			continue
		}
		// auction-model provers compete by explicit bid only
		if prvr.PricingModel != nil && *prvr.PricingModel == prover.PricingModelAuction {
			continue
		}
		candidates = append(candidates, &Candidate{
			Prover:     prvr,
			Price:      prvr.BasePrice,
			ETAMillis:  syntheticETA(prvr),
			ReceivedAt: prvr.CreatedAt,
		})
	}
	return candidates
}

// commitAssignment persists the assignment, stamps the request with the winning
// prover and settles any standing bids
func commitAssignment(req *request.Request, candidate *Candidate, matchedAt time.Time) *Assignment {
	db := dbconf.DatabaseConnection()

	assignment := &Assignment{
		RequestID:   req.ID,
		ProverID:    candidate.Prover.ID,
		AgreedPrice: candidate.Price,
		MatchScore:  candidate.Score,
		Outcome:     common.StringOrNil(AssignmentOutcomePending),
	}
	if candidate.Bid != nil {
		assignment.BidID = &candidate.Bid.ID
	}

	result := db.Create(&assignment)
	if len(result.GetErrors()) > 0 {
		common.Log.Warningf("failed to persist assignment for request %s; %s", req.ID, result.GetErrors()[0].Error())
		return nil
	}

	db.Model(&request.Request{}).Where("id = ?", req.ID).Updates(map[string]interface{}{
		"assigned_prover_id": candidate.Prover.ID,
		"matched_at":         matchedAt,
	})

	settleBids(req.ID, candidate.Bid)
	statsRecordMatched(assignment, matchedAt.Sub(req.CreatedAt))

	audit.Append(&req.ID, &candidate.Prover.ID, "request.matched", map[string]interface{}{
		"prover_id":    candidate.Prover.ID.String(),
		"agreed_price": candidate.Price,
		"match_score":  candidate.Score,
	})

	common.Log.Debugf("matched request %s to prover %s; agreed price: %d; score: %f", req.ID, candidate.Prover.ID, candidate.Price, candidate.Score)
	return assignment
}

// ReportOutcome settles the pending assignment for the given request, applying
// the reputation, prover metric and request state effects of the outcome
func ReportOutcome(requestID, proverID uuid.UUID, success bool, metrics *OutcomeMetrics) (*Assignment, error) {
	var settled *Assignment

	err := withRequestLock(requestID, func() error {
		req, err := request.Find(requestID)
		if err != nil {
			return err
		}

		assignment := PendingAssignment(requestID)
		if assignment == nil {
			// the request exists but is not currently matched
			return request.ErrInvalidTransition
		}
		if assignment.ProverID != proverID {
			return ErrProverMismatch
		}

		now := time.Now()
		outcome := AssignmentOutcomeFailure
		if success {
			outcome = AssignmentOutcomeSuccess
		}

		if !assignment.settle(outcome, now) {
			return ErrAssignmentSettled
		}

		if metrics != nil {
			dbconf.DatabaseConnection().Model(&Assignment{}).Where("id = ?", assignment.ID).Updates(map[string]interface{}{
				"generation_time_millis": metrics.GenerationTimeMillis,
				"proof_size_bytes":       metrics.ProofSizeBytes,
				"cycle_count":            metrics.CycleCount,
			})
			assignment.GenerationTimeMillis = metrics.GenerationTimeMillis
			assignment.ProofSizeBytes = metrics.ProofSizeBytes
			assignment.CycleCount = metrics.CycleCount
		}

		if success {
			applySuccess(req, assignment)
		} else {
			applyFailure(req, assignment)
		}

		settled = assignment
		return nil
	})

	return settled, err
}

func applySuccess(req *request.Request, assignment *Assignment) {
	request.CompareAndTransition(req.ID, request.RequestStatusMatched, request.RequestStatusCompleted)

	responseTime := assignment.ResponseTime()
	generationTime := responseTime
	if assignment.GenerationTimeMillis != nil {
		generationTime = time.Duration(*assignment.GenerationTimeMillis) * time.Millisecond
	}

	reputation.Update(assignment.ProverID, true, responseTime)
	prover.RecordProofMetrics(assignment.ProverID, true, generationTime)
	prover.Release(assignment.ProverID)

	statsRecordOutcome(assignment, true)

	audit.Append(&req.ID, &assignment.ProverID, "request.completed", map[string]interface{}{
		"agreed_price": assignment.AgreedPrice,
	})
}

// applyFailure returns the request to the queue for another attempt, or marks
// it failed once the retry budget is exhausted
func applyFailure(req *request.Request, assignment *Assignment) {
	db := dbconf.DatabaseConnection()

	newCount := req.RetryCount + 1
	terminal := newCount >= common.MatchingMaxRetries

	responseTime := assignment.ResponseTime()
	reputation.Update(assignment.ProverID, false, responseTime)
	prover.RecordProofMetrics(assignment.ProverID, false, responseTime)
	prover.Release(assignment.ProverID)

	statsRecordOutcome(assignment, false)

	if terminal {
		request.CompareAndTransition(req.ID, request.RequestStatusMatched, request.RequestStatusFailed)
		db.Model(&request.Request{}).Where("id = ?", req.ID).Update("retry_count", newCount)

		audit.Append(&req.ID, &assignment.ProverID, "request.failed", map[string]interface{}{
			"retry_count": newCount,
		})
		common.Log.Debugf("request %s failed terminally after %d attempts", req.ID, newCount)
		return
	}

	if request.CompareAndTransition(req.ID, request.RequestStatusMatched, request.RequestStatusRetrying) {
		db.Model(&request.Request{}).Where("id = ?", req.ID).Updates(map[string]interface{}{
			"retry_count":        newCount,
			"assigned_prover_id": nil,
			"matched_at":         nil,
		})
		request.CompareAndTransition(req.ID, request.RequestStatusRetrying, request.RequestStatusPending)

		audit.Append(&req.ID, &assignment.ProverID, "request.retrying", map[string]interface{}{
			"retry_count": newCount,
		})
		common.Log.Debugf("request %s returned to queue; attempt %d of %d", req.ID, newCount+1, common.MatchingMaxRetries)

		payload, _ := json.Marshal(map[string]interface{}{
			"request_id": req.ID.String(),
		})
		natsutil.NatsJetstreamPublish(natsRequestSubmittedSubject, payload)
	}
}

// scheduleAuctionFinalization arranges for the auctioned request to be matched
// when its bidding window closes; finalization is delivered over the stream so
// any instance can pick it up
func scheduleAuctionFinalization(requestID uuid.UUID, expiry time.Time) {
	delay := time.Until(expiry)
	if delay < 0 {
		delay = 0
	}

	time.AfterFunc(delay, func() {
		payload, _ := json.Marshal(map[string]interface{}{
			"request_id": requestID.String(),
		})
		_, err := natsutil.NatsJetstreamPublish(natsAuctionFinalizeSubject, payload)
		if err != nil {
			common.Log.Warningf("failed to publish auction finalization for request %s; %s", requestID, err.Error())
		}
	})
}
