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

package request

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	dbconf "github.com/kthomas/go-db-config"
	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/proofmarket/audit"
	"github.com/provideplatform/proofmarket/common"
	provide "github.com/provideplatform/provide-go/api"
)

// RequestStatusPending indicates the request is queued awaiting a match
const RequestStatusPending = "pending"

// RequestStatusMatched indicates the request holds an active assignment
const RequestStatusMatched = "matched"

// RequestStatusCompleted is terminal; the assigned prover reported success
const RequestStatusCompleted = "completed"

// RequestStatusFailed is terminal; the retry budget is exhausted
const RequestStatusFailed = "failed"

// RequestStatusRetrying is transitional between a failed assignment and re-queueing
const RequestStatusRetrying = "retrying"

// RequestStatusCancelled is terminal; the requester withdrew the request pre-match
const RequestStatusCancelled = "cancelled"

// RequestStatusExpired is terminal; the deadline elapsed with no match
const RequestStatusExpired = "expired"

// PriorityLow through PriorityUrgent order matching consideration
const PriorityLow = "low"
const PriorityNormal = "normal"
const PriorityHigh = "high"
const PriorityUrgent = "urgent"

// IntentStanding matches against standing offers as soon as constraints are satisfiable
const IntentStanding = "standing"

// IntentAuction collects bids within a bidding window before finalizing
const IntentAuction = "auction"

const natsRequestSubmittedSubject = "proofmarket.request.submitted"

// ErrInvalidRequest is returned when a submitted request fails validation
var ErrInvalidRequest = errors.New("invalid request")

// ErrInvalidTransition is returned when an operation is not permitted from the
// request's current state
var ErrInvalidTransition = errors.New("invalid request state transition")

// ErrRequestNotFound is returned when no request exists for the given id
var ErrRequestNotFound = errors.New("request not found")

var priorityRanks = map[string]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Request queue model; a proof-generation request submitted to the marketplace
type Request struct {
	provide.Model

	// Associations
	ApplicationID  *uuid.UUID `sql:"type:uuid" json:"-"`
	OrganizationID *uuid.UUID `sql:"type:uuid" json:"-"`
	UserID         *uuid.UUID `sql:"type:uuid" json:"-"`

	RequesterID *uuid.UUID `sql:"type:uuid" json:"requester_id"`

	// program content hash or name and opaque input reference
	ProgramID *string `gorm:"column:program_id" sql:"not null" json:"program_id"`
	InputRef  *string `gorm:"column:input_ref" sql:"not null" json:"input_ref"`

	PreferredBackend *string `json:"preferred_backend,omitempty"`

	Priority      *string `sql:"not null;default:'normal'" json:"priority"`
	PricingIntent *string `sql:"not null;default:'standing'" json:"pricing_intent"`

	MaxPrice      *int64   `json:"max_price,omitempty"`
	MinReputation *float64 `json:"min_reputation,omitempty"`

	DeadlineAt *time.Time `json:"deadline_at,omitempty"`

	Status *string `sql:"not null;default:'pending'" json:"status"`

	AssignedProverID *uuid.UUID `sql:"type:uuid" json:"assigned_prover_id,omitempty"`
	RetryCount       uint32     `json:"retry_count"`

	// set on receipt of the first bid for auctioned requests
	BiddingWindowExpiresAt *time.Time `json:"bidding_window_expires_at,omitempty"`

	MatchedAt *time.Time `json:"matched_at,omitempty"`
}

// Find resolves a request by id
func Find(requestID uuid.UUID) (*Request, error) {
	db := dbconf.DatabaseConnection()

	req := &Request{}
	db.Where("id = ?", requestID).Find(&req)
	if req == nil || req.ID == uuid.Nil {
		return nil, ErrRequestNotFound
	}

	return req, nil
}

// Submit validates and enqueues the given request as pending and publishes a
// matching trigger
func Submit(req *Request) error {
	if !req.Validate() {
		return ErrInvalidRequest
	}

	if req.Priority == nil {
		req.Priority = common.StringOrNil(PriorityNormal)
	}
	if req.PricingIntent == nil {
		req.PricingIntent = common.StringOrNil(IntentStanding)
	}
	req.Status = common.StringOrNil(RequestStatusPending)
	req.AssignedProverID = nil
	req.RetryCount = 0

	if !req.create() {
		if len(req.Errors) > 0 {
			return errors.New(*req.Errors[0].Message)
		}
		return errors.New("failed to enqueue request")
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"request_id": req.ID.String(),
	})
	natsutil.NatsJetstreamPublish(natsRequestSubmittedSubject, payload)

	audit.Append(&req.ID, nil, "request.submitted", map[string]interface{}{
		"priority":       req.Priority,
		"pricing_intent": req.PricingIntent,
	})

	return nil
}

// Cancel withdraws a pending request; cancellation of a matched request is not
// permitted -- the requester must wait for an outcome or timeout
func Cancel(requestID uuid.UUID, requesterID *uuid.UUID) error {
	req, err := Find(requestID)
	if err != nil {
		return err
	}

	if requesterID != nil && req.RequesterID != nil && req.RequesterID.String() != requesterID.String() {
		return ErrRequestNotFound
	}

	if !CompareAndTransition(requestID, RequestStatusPending, RequestStatusCancelled) {
		return ErrInvalidTransition
	}

	common.Log.Debugf("cancelled request: %s", requestID)
	audit.Append(&requestID, nil, "request.cancelled", nil)
	return nil
}

// CompareAndTransition atomically transitions the request from one state to another;
// returns false when the request was not in the expected state, making concurrent
// transitions race-safe (whichever lands first wins and the loser is a no-op)
func CompareAndTransition(requestID uuid.UUID, from, to string) bool {
	db := dbconf.DatabaseConnection()
	result := db.Model(&Request{}).Where("id = ? AND status = ?", requestID, from).Update("status", to)
	return result.RowsAffected > 0
}

// PendingQueue returns pending requests ordered for matching consideration:
// effective priority descending, submission time ascending within a tier
func PendingQueue() []*Request {
	db := dbconf.DatabaseConnection()

	var pending []*Request
	db.Where("status = ?", RequestStatusPending).Find(&pending)

	SortForMatching(pending, time.Now())
	return pending
}

// SortForMatching orders the given requests by effective priority descending then
// submission time ascending
func SortForMatching(requests []*Request, now time.Time) {
	sort.SliceStable(requests, func(i, j int) bool {
		ri := requests[i].EffectivePriorityRank(now)
		rj := requests[j].EffectivePriorityRank(now)
		if ri != rj {
			return ri > rj
		}
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
}

// ExpireOverdue transitions pending requests whose deadline elapsed with no match;
// returns the number of requests expired
func ExpireOverdue() int {
	db := dbconf.DatabaseConnection()

	var overdue []*Request
	db.Where("status = ? AND deadline_at IS NOT NULL AND deadline_at <= ?", RequestStatusPending, time.Now()).Find(&overdue)

	expired := 0
	for _, req := range overdue {
		if CompareAndTransition(req.ID, RequestStatusPending, RequestStatusExpired) {
			common.Log.Debugf("expired request %s; deadline elapsed with no match", req.ID)
			audit.Append(&req.ID, nil, "request.expired", nil)
			expired++
		}
	}

	return expired
}

// EffectivePriorityRank returns the priority rank after applying the aging rule: one
// tier of promotion per aging threshold waited, capped at the urgent tier
func (r *Request) EffectivePriorityRank(now time.Time) int {
	rank := 0
	if r.Priority != nil {
		rank = priorityRanks[*r.Priority]
	}

	if common.RequestAgingThreshold > 0 {
		waited := now.Sub(r.CreatedAt)
		promotions := int(waited / common.RequestAgingThreshold)
		rank += promotions
	}

	if rank > priorityRanks[PriorityUrgent] {
		rank = priorityRanks[PriorityUrgent]
	}

	return rank
}

// Auction returns true if the request's pricing intent requires a bidding window
func (r *Request) Auction() bool {
	return r.PricingIntent != nil && *r.PricingIntent == IntentAuction
}

// BidWindowOpen returns true if the request is still accepting bids
func (r *Request) BidWindowOpen(now time.Time) bool {
	if r.Status == nil || *r.Status != RequestStatusPending {
		return false
	}
	if r.Auction() && r.BiddingWindowExpiresAt != nil {
		return now.Before(*r.BiddingWindowExpiresAt)
	}
	return true
}

// Terminal returns true when no further transitions are possible
func (r *Request) Terminal() bool {
	if r.Status == nil {
		return false
	}
	switch *r.Status {
	case RequestStatusCompleted, RequestStatusCancelled, RequestStatusExpired, RequestStatusFailed:
		return true
	}
	return false
}

// AssignmentDeadline resolves the instant after which a matched request is timed out
func (r *Request) AssignmentDeadline() time.Time {
	if r.MatchedAt == nil {
		return time.Now().Add(common.AssignmentTimeout)
	}
	deadline := r.MatchedAt.Add(common.AssignmentTimeout)
	if r.DeadlineAt != nil && r.DeadlineAt.Before(deadline) {
		deadline = *r.DeadlineAt
	}
	return deadline
}

// Validate the request params
func (r *Request) Validate() bool {
	r.Errors = make([]*provide.Error, 0)

	if r.ProgramID == nil || *r.ProgramID == "" {
		r.Errors = append(r.Errors, &provide.Error{
			Message: common.StringOrNil("program identifier required"),
		})
	}

	if r.InputRef == nil || *r.InputRef == "" {
		r.Errors = append(r.Errors, &provide.Error{
			Message: common.StringOrNil("input data reference required"),
		})
	}

	if r.MaxPrice != nil && *r.MaxPrice < 0 {
		r.Errors = append(r.Errors, &provide.Error{
			Message: common.StringOrNil("maximum price cannot be negative"),
		})
	}

	if r.MinReputation != nil && *r.MinReputation < 0 {
		r.Errors = append(r.Errors, &provide.Error{
			Message: common.StringOrNil("minimum reputation cannot be negative"),
		})
	}

	if r.Priority != nil {
		if _, ok := priorityRanks[*r.Priority]; !ok {
			r.Errors = append(r.Errors, &provide.Error{
				Message: common.StringOrNil("unsupported priority"),
			})
		}
	}

	if r.PricingIntent != nil && *r.PricingIntent != IntentStanding && *r.PricingIntent != IntentAuction {
		r.Errors = append(r.Errors, &provide.Error{
			Message: common.StringOrNil("unsupported pricing intent"),
		})
	}

	if r.DeadlineAt != nil && !r.DeadlineAt.After(time.Now()) {
		r.Errors = append(r.Errors, &provide.Error{
			Message: common.StringOrNil("deadline must be in the future"),
		})
	}

	return len(r.Errors) == 0
}

// create persists the request
func (r *Request) create() bool {
	db := dbconf.DatabaseConnection()

	if db.NewRecord(r) {
		result := db.Create(&r)
		rowsAffected := result.RowsAffected
		errors := result.GetErrors()
		if len(errors) > 0 {
			for _, err := range errors {
				r.Errors = append(r.Errors, &provide.Error{
					Message: common.StringOrNil(err.Error()),
				})
			}
		}
		if !db.NewRecord(r) {
			success := rowsAffected > 0
			if success {
				common.Log.Debugf("enqueued %s priority request for program %s: %s", *r.Priority, *r.ProgramID, r.ID)
			}
			return success
		}
	}

	return false
}
