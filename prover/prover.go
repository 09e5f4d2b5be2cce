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

package prover

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/proofmarket/common"
	provide "github.com/provideplatform/provide-go/api"
)

// ProverStatusActive indicates the prover is registered and available for assignments
const ProverStatusActive = "active"

// ProverStatusBusy indicates the prover currently holds a pending assignment
const ProverStatusBusy = "busy"

// ProverStatusOffline indicates the prover is registered but not accepting assignments
const ProverStatusOffline = "offline"

// PricingModelPerProof bills a flat base price per generated proof
const PricingModelPerProof = "per_proof"

// PricingModelSubscription bills by subscription; the base price acts as the standing offer
const PricingModelSubscription = "subscription"

// PricingModelAuction requires explicit bids within a bidding window
const PricingModelAuction = "auction"

// DefaultReputationScore is assigned at registration when no history exists
const DefaultReputationScore = 3.0

// MinReputationScore is the reputation floor
const MinReputationScore = 0.0

// MaxReputationScore is the reputation ceiling
const MaxReputationScore = 5.0

// ErrDuplicateProver is returned when the given prover identifier is already registered
var ErrDuplicateProver = errors.New("prover already registered")

// ErrProverNotFound is returned when no prover exists for the given id
var ErrProverNotFound = errors.New("prover not found")

// Prover registry model; represents a registered proof-generation service provider
type Prover struct {
	provide.Model

	// Associations
	ApplicationID  *uuid.UUID `sql:"type:uuid" json:"-"`
	OrganizationID *uuid.UUID `sql:"type:uuid" json:"-"`
	UserID         *uuid.UUID `sql:"type:uuid" json:"-"`

	Identifier *string `sql:"not null" gorm:"unique_index" json:"identifier"`
	Name       *string `sql:"not null" json:"name"`
	ContactURL *string `gorm:"column:contact_url" json:"contact_url,omitempty"`

	// supported backend identifiers, i.e., koalabear, babybear, groth16...
	SupportedBackends []string `sql:"-" json:"supported_backends"`
	EncodedBackends   []byte   `gorm:"column:backends" json:"-"`

	// base price in the smallest currency unit
	BasePrice    int64   `gorm:"column:base_price" json:"base_price"`
	PricingModel *string `sql:"not null;default:'per_proof'" json:"pricing_model"`

	ReputationScore float64 `sql:"not null;default:3.0" json:"reputation_score"`
	Status          *string `sql:"not null;default:'active'" json:"status"`

	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`

	// performance counters
	TotalProofs             uint64 `json:"total_proofs"`
	SuccessfulProofs        uint64 `json:"successful_proofs"`
	AvgGenerationTimeMillis int64  `gorm:"column:avg_generation_time_millis" json:"avg_generation_time_millis"`
}

// Find resolves a registered prover by id
func Find(proverID uuid.UUID) (*Prover, error) {
	db := dbconf.DatabaseConnection()

	prvr := &Prover{}
	db.Where("id = ?", proverID).Find(&prvr)
	if prvr == nil || prvr.ID == uuid.Nil {
		return nil, ErrProverNotFound
	}

	prvr.enrich()
	return prvr, nil
}

// FindByIdentifier resolves a registered prover by its unique identifier; returns nil when absent
func FindByIdentifier(identifier string) *Prover {
	db := dbconf.DatabaseConnection()

	prvr := &Prover{}
	db.Where("identifier = ?", identifier).Find(&prvr)
	if prvr == nil || prvr.ID == uuid.Nil {
		return nil
	}

	prvr.enrich()
	return prvr
}

// Register inserts the given prover profile into the registry with status active and
// default reputation when no score is provided
func Register(prvr *Prover) error {
	if !prvr.Validate() {
		if len(prvr.Errors) > 0 {
			return errors.New(*prvr.Errors[0].Message)
		}
		return errors.New("invalid prover profile")
	}

	if FindByIdentifier(*prvr.Identifier) != nil {
		return ErrDuplicateProver
	}

	if prvr.Status == nil {
		prvr.Status = common.StringOrNil(ProverStatusActive)
	}
	if prvr.ReputationScore == 0 {
		prvr.ReputationScore = DefaultReputationScore
	}
	now := time.Now()
	prvr.LastSeenAt = &now

	if !prvr.create() {
		if len(prvr.Errors) > 0 {
			msg := *prvr.Errors[0].Message
			// a concurrent registration can slip past the pre-insert lookup and
			// land on the unique identifier index
			if strings.Contains(msg, "duplicate key") {
				return ErrDuplicateProver
			}
			return errors.New(msg)
		}
		return errors.New("failed to register prover")
	}

	prvr.dispatchNotification(natsProverNotificationRegistered)
	return nil
}

// UpdateStatus transitions the prover to the given status and refreshes the last-seen
// timestamp; idempotent
func UpdateStatus(proverID uuid.UUID, status string) error {
	if status != ProverStatusActive && status != ProverStatusBusy && status != ProverStatusOffline {
		return errors.New("invalid prover status")
	}

	prvr, err := Find(proverID)
	if err != nil {
		return err
	}

	db := dbconf.DatabaseConnection()
	now := time.Now()

	result := db.Model(&Prover{}).Where("id = ?", proverID).Updates(map[string]interface{}{
		"status":       status,
		"last_seen_at": now,
	})
	if len(result.GetErrors()) > 0 {
		return result.GetErrors()[0]
	}

	if prvr.Status != nil && *prvr.Status != status {
		prvr.Status = common.StringOrNil(status)
		prvr.dispatchNotification(natsProverNotificationStatusChanged)
	}

	return nil
}

// Heartbeat refreshes the prover last-seen timestamp, reviving offline provers
func Heartbeat(proverID uuid.UUID) error {
	prvr, err := Find(proverID)
	if err != nil {
		return err
	}

	if prvr.Status != nil && *prvr.Status == ProverStatusOffline {
		return UpdateStatus(proverID, ProverStatusActive)
	}

	db := dbconf.DatabaseConnection()
	now := time.Now()
	db.Model(&Prover{}).Where("id = ?", proverID).Update("last_seen_at", now)
	return nil
}

// Search returns registered provers matching all given filters, ordered by reputation
// descending then base price ascending; an empty result is not an error
func Search(backend *string, maxPrice *int64, minReputation *float64, status *string) []*Prover {
	db := dbconf.DatabaseConnection()

	query := db.Order("reputation_score desc, base_price asc")
	if maxPrice != nil {
		query = query.Where("base_price <= ?", *maxPrice)
	}
	if minReputation != nil {
		query = query.Where("reputation_score >= ?", *minReputation)
	}
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	var provers []*Prover
	query.Find(&provers)

	results := make([]*Prover, 0, len(provers))
	for _, prvr := range provers {
		prvr.enrich()
		if backend != nil && !prvr.SupportsBackend(*backend) {
			continue
		}
		results = append(results, prvr)
	}

	return results
}

// TryAcquire attempts to transition the prover from active to busy; returns false when
// the prover transitioned away from active since it was ranked
func TryAcquire(proverID uuid.UUID) bool {
	db := dbconf.DatabaseConnection()
	result := db.Model(&Prover{}).Where("id = ? AND status = ?", proverID, ProverStatusActive).Update("status", ProverStatusBusy)
	return result.RowsAffected > 0
}

// Release transitions the prover from busy back to active; no-op when the prover
// went offline while it held the assignment
func Release(proverID uuid.UUID) bool {
	db := dbconf.DatabaseConnection()
	result := db.Model(&Prover{}).Where("id = ? AND status = ?", proverID, ProverStatusBusy).Update("status", ProverStatusActive)
	return result.RowsAffected > 0
}

// RecordProofMetrics folds a reported outcome into the prover performance counters
func RecordProofMetrics(proverID uuid.UUID, success bool, generationTime time.Duration) error {
	prvr, err := Find(proverID)
	if err != nil {
		return err
	}

	total := prvr.TotalProofs + 1
	successful := prvr.SuccessfulProofs
	avg := prvr.AvgGenerationTimeMillis

	if success {
		avg = (avg*int64(successful) + generationTime.Milliseconds()) / int64(successful+1)
		successful++
	}

	db := dbconf.DatabaseConnection()
	result := db.Model(&Prover{}).Where("id = ?", proverID).Updates(map[string]interface{}{
		"total_proofs":               total,
		"successful_proofs":          successful,
		"avg_generation_time_millis": avg,
	})
	if len(result.GetErrors()) > 0 {
		return result.GetErrors()[0]
	}

	return nil
}

// MarkStaleProversOffline sweeps provers whose last heartbeat predates the configured
// offline threshold; returns the number of provers transitioned
func MarkStaleProversOffline() int {
	db := dbconf.DatabaseConnection()
	cutoff := time.Now().Add(-common.ProverOfflineThreshold)

	result := db.Model(&Prover{}).Where(
		"status = ? AND last_seen_at < ?", ProverStatusActive, cutoff,
	).Update("status", ProverStatusOffline)

	if result.RowsAffected > 0 {
		common.Log.Debugf("marked %d stale provers offline; last seen before %s", result.RowsAffected, cutoff)
	}

	return int(result.RowsAffected)
}

// SupportsBackend returns true if the prover advertises support for the given backend
func (p *Prover) SupportsBackend(backend string) bool {
	for _, supported := range p.SupportedBackends {
		if supported == backend {
			return true
		}
	}
	return false
}

// Available returns true if the prover can accept a new assignment
func (p *Prover) Available() bool {
	return p.Status != nil && *p.Status == ProverStatusActive
}

// Validate the prover profile params
func (p *Prover) Validate() bool {
	p.Errors = make([]*provide.Error, 0)

	if p.Identifier == nil {
		p.Errors = append(p.Errors, &provide.Error{
			Message: common.StringOrNil("prover identifier required"),
		})
	}

	if p.Name == nil {
		p.Errors = append(p.Errors, &provide.Error{
			Message: common.StringOrNil("prover name required"),
		})
	}

	if len(p.SupportedBackends) == 0 {
		p.Errors = append(p.Errors, &provide.Error{
			Message: common.StringOrNil("prover must support at least one backend"),
		})
	}

	if p.BasePrice < 0 {
		p.Errors = append(p.Errors, &provide.Error{
			Message: common.StringOrNil("prover base price cannot be negative"),
		})
	}

	if p.PricingModel != nil {
		switch *p.PricingModel {
		case PricingModelPerProof, PricingModelSubscription, PricingModelAuction:
		default:
			p.Errors = append(p.Errors, &provide.Error{
				Message: common.StringOrNil("unsupported pricing model"),
			})
		}
	}

	if p.ReputationScore < MinReputationScore || p.ReputationScore > MaxReputationScore {
		p.Errors = append(p.Errors, &provide.Error{
			Message: common.StringOrNil("reputation score out of range"),
		})
	}

	return len(p.Errors) == 0
}

// create persists the prover profile
func (p *Prover) create() bool {
	db := dbconf.DatabaseConnection()

	p.encodeBackends()

	if db.NewRecord(p) {
		result := db.Create(&p)
		rowsAffected := result.RowsAffected
		errors := result.GetErrors()
		if len(errors) > 0 {
			for _, err := range errors {
				p.Errors = append(p.Errors, &provide.Error{
					Message: common.StringOrNil(err.Error()),
				})
			}
		}
		if !db.NewRecord(p) {
			success := rowsAffected > 0
			if success {
				common.Log.Debugf("registered %s prover %s: %s", *p.PricingModel, *p.Identifier, p.ID)
			}
			return success
		}
	}

	return false
}

// enrich decodes the raw backend column onto the profile
func (p *Prover) enrich() {
	if len(p.EncodedBackends) > 0 && len(p.SupportedBackends) == 0 {
		err := json.Unmarshal(p.EncodedBackends, &p.SupportedBackends)
		if err != nil {
			common.Log.Warningf("failed to decode supported backends for prover %s; %s", p.ID, err.Error())
		}
	}
}

func (p *Prover) encodeBackends() {
	if len(p.SupportedBackends) > 0 {
		raw, err := json.Marshal(p.SupportedBackends)
		if err == nil {
			p.EncodedBackends = raw
		}
	}
}
