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
	"errors"
	"time"

	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/api"
)

// AssignmentOutcomePending indicates the assigned prover has not yet reported
const AssignmentOutcomePending = "pending"

// AssignmentOutcomeSuccess indicates the prover delivered a proof
const AssignmentOutcomeSuccess = "success"

// AssignmentOutcomeFailure indicates the prover reported a failure
const AssignmentOutcomeFailure = "failure"

// AssignmentOutcomeTimeout indicates the assignment deadline elapsed without a report
const AssignmentOutcomeTimeout = "timeout"

// ErrAssignmentSettled is returned when an outcome has already been recorded
var ErrAssignmentSettled = errors.New("assignment already settled")

// Assignment binds a matched request to its winning prover at an agreed price;
// at most one pending assignment exists per request
type Assignment struct {
	provide.Model

	RequestID uuid.UUID  `sql:"not null;type:uuid" json:"request_id"`
	ProverID  uuid.UUID  `sql:"not null;type:uuid" json:"prover_id"`
	BidID     *uuid.UUID `sql:"type:uuid" json:"bid_id,omitempty"`

	AgreedPrice int64   `json:"agreed_price"`
	MatchScore  float64 `json:"match_score"`

	Outcome    *string    `sql:"not null;default:'pending'" json:"outcome"`
	ReportedAt *time.Time `json:"reported_at,omitempty"`

	GenerationTimeMillis *int64 `json:"generation_time_millis,omitempty"`
	ProofSizeBytes       *int64 `json:"proof_size_bytes,omitempty"`
	CycleCount           *int64 `json:"cycle_count,omitempty"`
}

// PendingAssignment resolves the pending assignment for the given request, if any
func PendingAssignment(requestID uuid.UUID) *Assignment {
	db := dbconf.DatabaseConnection()

	assignment := &Assignment{}
	db.Where("request_id = ? AND outcome = ?", requestID, AssignmentOutcomePending).Find(&assignment)
	if assignment.ID == uuid.Nil {
		return nil
	}
	return assignment
}

// settle transitions the assignment from pending to the given terminal outcome;
// returns false if the assignment was already settled
func (a *Assignment) settle(outcome string, reportedAt time.Time) bool {
	db := dbconf.DatabaseConnection()

	result := db.Model(&Assignment{}).Where(
		"id = ? AND outcome = ?", a.ID, AssignmentOutcomePending,
	).Updates(map[string]interface{}{
		"outcome":     outcome,
		"reported_at": reportedAt,
	})
	if result.RowsAffected == 0 {
		return false
	}

	a.Outcome = &outcome
	a.ReportedAt = &reportedAt
	return true
}

// ResponseTime returns the elapsed time between assignment and outcome report
func (a *Assignment) ResponseTime() time.Duration {
	if a.ReportedAt == nil {
		return 0
	}
	return a.ReportedAt.Sub(a.CreatedAt)
}
