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
	"github.com/provideplatform/proofmarket/common"
	"github.com/provideplatform/proofmarket/prover"
	"github.com/provideplatform/proofmarket/request"
	provide "github.com/provideplatform/provide-go/api"
)

// BidStatusActive indicates the bid is standing and eligible for ranking
const BidStatusActive = "active"

// BidStatusAccepted indicates the bid won its request
const BidStatusAccepted = "accepted"

// BidStatusRejected indicates a competing bid won the request
const BidStatusRejected = "rejected"

// BidStatusSuperseded indicates the prover replaced this bid before the window closed
const BidStatusSuperseded = "superseded"

// maxBidETA bounds the estimated completion time a bid may advertise
const maxBidETA = time.Hour

// ErrBidWindowClosed is returned when the request is no longer accepting bids
var ErrBidWindowClosed = errors.New("bid window closed")

// ErrInvalidBid is returned when a submitted bid fails validation
var ErrInvalidBid = errors.New("invalid bid")

// Bid is a prover's offered price and estimated completion time for a specific request;
// immutable once submitted, superseded in place by a later bid from the same prover
type Bid struct {
	provide.Model

	RequestID uuid.UUID `sql:"not null;type:uuid" json:"request_id"`
	ProverID  uuid.UUID `sql:"not null;type:uuid" json:"prover_id"`

	Price     int64 `json:"price"`
	ETAMillis int64 `gorm:"column:eta_millis" json:"eta_millis"`

	Status *string `sql:"not null;default:'active'" json:"status"`
}

// SubmitBid validates and records a bid for the given pending request, opening the
// bidding window on receipt of the first bid for an auctioned request; a later bid
// from the same prover supersedes the prior one (last-bid-wins within the window)
func SubmitBid(requestID, proverID uuid.UUID, price int64, eta time.Duration) (*Bid, error) {
	req, err := request.Find(requestID)
	if err != nil {
		return nil, err
	}

	prvr, err := prover.Find(proverID)
	if err != nil {
		return nil, err
	}

	if price < 0 || eta <= 0 || eta > maxBidETA {
		return nil, ErrInvalidBid
	}

	now := time.Now()

	if !req.BidWindowOpen(now) {
		return nil, ErrBidWindowClosed
	}

	db := dbconf.DatabaseConnection()

	if req.Auction() && req.BiddingWindowExpiresAt == nil {
		expiry := now.Add(common.AuctionWindowTimeout)
		result := db.Model(&request.Request{}).Where(
			"id = ? AND bidding_window_expires_at IS NULL", requestID,
		).Update("bidding_window_expires_at", expiry)
		if result.RowsAffected > 0 {
			common.Log.Debugf("opened bidding window for auctioned request %s; expires at %s", requestID, expiry)
			scheduleAuctionFinalization(requestID, expiry)
		}
	}

	// last-bid-wins; replace any standing bid from the same prover
	db.Model(&Bid{}).Where(
		"request_id = ? AND prover_id = ? AND status = ?", requestID, proverID, BidStatusActive,
	).Update("status", BidStatusSuperseded)

	bid := &Bid{
		RequestID: requestID,
		ProverID:  prvr.ID,
		Price:     price,
		ETAMillis: eta.Milliseconds(),
		Status:    common.StringOrNil(BidStatusActive),
	}

	result := db.Create(&bid)
	if len(result.GetErrors()) > 0 {
		return nil, result.GetErrors()[0]
	}

	common.Log.Debugf("received bid from prover %s for request %s; price: %d; eta: %s", proverID, requestID, price, eta)

	payload, _ := json.Marshal(map[string]interface{}{
		"request_id": requestID.String(),
		"bid_id":     bid.ID.String(),
	})
	natsutil.NatsJetstreamPublish(natsBidSubmittedSubject, payload)

	return bid, nil
}

// ActiveBids returns the standing bids for the given request
func ActiveBids(requestID uuid.UUID) []*Bid {
	db := dbconf.DatabaseConnection()

	var bids []*Bid
	db.Where("request_id = ? AND status = ?", requestID, BidStatusActive).Find(&bids)
	return bids
}

// settleBids marks the winning bid accepted and rejects the remaining standing bids
func settleBids(requestID uuid.UUID, winner *Bid) {
	db := dbconf.DatabaseConnection()

	if winner != nil && winner.ID != uuid.Nil {
		db.Model(&Bid{}).Where("id = ?", winner.ID).Update("status", BidStatusAccepted)
		db.Model(&Bid{}).Where(
			"request_id = ? AND status = ? AND id <> ?", requestID, BidStatusActive, winner.ID,
		).Update("status", BidStatusRejected)
	} else {
		db.Model(&Bid{}).Where(
			"request_id = ? AND status = ?", requestID, BidStatusActive,
		).Update("status", BidStatusRejected)
	}
}
