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
	"fmt"
	"sync"
	"time"

	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/nats-io/nats.go"
	"github.com/provideplatform/proofmarket/common"
)

const defaultNatsStream = "proofmarket"

const natsRequestSubmittedSubject = "proofmarket.request.submitted"
const natsRequestSubmittedMaxInFlight = 64
const requestSubmittedAckWait = time.Minute * 5
const requestSubmittedMaxDeliveries = 10

const natsBidSubmittedSubject = "proofmarket.bid.submitted"
const natsBidSubmittedMaxInFlight = 64
const bidSubmittedAckWait = time.Minute * 1
const bidSubmittedMaxDeliveries = 5

const natsAuctionFinalizeSubject = "proofmarket.auction.finalize"
const natsAuctionFinalizeMaxInFlight = 32
const auctionFinalizeAckWait = time.Minute * 5
const auctionFinalizeMaxDeliveries = 10

func init() {
	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("market package consumer configured to skip NATS streaming subscription setup")
		return
	}

	natsutil.EstablishSharedNatsConnection(nil)
	natsutil.NatsCreateStream(defaultNatsStream, []string{
		fmt.Sprintf("%s.>", defaultNatsStream),
	})

	var waitGroup sync.WaitGroup

	createNatsRequestSubmittedSubscriptions(&waitGroup)
	createNatsBidSubmittedSubscriptions(&waitGroup)
	createNatsAuctionFinalizeSubscriptions(&waitGroup)
}

func createNatsRequestSubmittedSubscriptions(wg *sync.WaitGroup) {
	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			requestSubmittedAckWait,
			natsRequestSubmittedSubject,
			natsRequestSubmittedSubject,
			natsRequestSubmittedSubject,
			consumeRequestSubmittedMsg,
			requestSubmittedAckWait,
			natsRequestSubmittedMaxInFlight,
			requestSubmittedMaxDeliveries,
			nil,
		)
	}
}

func createNatsBidSubmittedSubscriptions(wg *sync.WaitGroup) {
	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			bidSubmittedAckWait,
			natsBidSubmittedSubject,
			natsBidSubmittedSubject,
			natsBidSubmittedSubject,
			consumeBidSubmittedMsg,
			bidSubmittedAckWait,
			natsBidSubmittedMaxInFlight,
			bidSubmittedMaxDeliveries,
			nil,
		)
	}
}

func createNatsAuctionFinalizeSubscriptions(wg *sync.WaitGroup) {
	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			auctionFinalizeAckWait,
			natsAuctionFinalizeSubject,
			natsAuctionFinalizeSubject,
			natsAuctionFinalizeSubject,
			consumeAuctionFinalizeMsg,
			auctionFinalizeAckWait,
			natsAuctionFinalizeMaxInFlight,
			auctionFinalizeMaxDeliveries,
			nil,
		)
	}
}

func requestIDFromMsg(msg *nats.Msg) (*uuid.UUID, error) {
	params := map[string]interface{}{}
	err := json.Unmarshal(msg.Data, &params)
	if err != nil {
		return nil, err
	}

	raw, rawOk := params["request_id"].(string)
	if !rawOk {
		return nil, fmt.Errorf("message contained no request_id")
	}

	requestID, err := uuid.FromString(raw)
	if err != nil {
		return nil, err
	}
	return &requestID, nil
}

func consumeRequestSubmittedMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during request submission; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS request submission message on subject: %s", len(msg.Data), msg.Subject)

	requestID, err := requestIDFromMsg(msg)
	if err != nil {
		common.Log.Warningf("failed to unmarshal request submission message; %s", err.Error())
		msg.Nak()
		return
	}

	_, err = matchRequest(*requestID)
	if err != nil {
		if err == ErrNoEligibleProver {
			// leave the request queued; the watchdog retries each tick
			msg.Ack()
			return
		}
		common.Log.Warningf("failed to match request %s; %s", requestID, err.Error())
		msg.Nak()
		return
	}

	msg.Ack()
}

func consumeBidSubmittedMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during bid handling; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS bid message on subject: %s", len(msg.Data), msg.Subject)

	requestID, err := requestIDFromMsg(msg)
	if err != nil {
		common.Log.Warningf("failed to unmarshal bid message; %s", err.Error())
		msg.Nak()
		return
	}

	// standing requests can be matched as soon as a bid lands; auctioned
	// requests are matched when the window closes
	_, err = matchRequest(*requestID)
	if err != nil && err != ErrNoEligibleProver {
		common.Log.Warningf("failed to match request %s after bid; %s", requestID, err.Error())
		msg.Nak()
		return
	}

	msg.Ack()
}

func consumeAuctionFinalizeMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during auction finalization; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS auction finalization message on subject: %s", len(msg.Data), msg.Subject)

	requestID, err := requestIDFromMsg(msg)
	if err != nil {
		common.Log.Warningf("failed to unmarshal auction finalization message; %s", err.Error())
		msg.Nak()
		return
	}

	_, err = matchRequest(*requestID)
	if err != nil {
		if err == ErrNoEligibleProver {
			msg.Ack()
			return
		}
		common.Log.Warningf("failed to finalize auction for request %s; %s", requestID, err.Error())
		msg.Nak()
		return
	}

	msg.Ack()
}
