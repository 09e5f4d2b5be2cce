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

package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	logger "github.com/kthomas/go-logger"
)

var (
	// Log is the configured logger
	Log *logger.Logger

	// ConsumeNATSStreamingSubscriptions indicates if the package NATS consumers should be established
	ConsumeNATSStreamingSubscriptions bool

	// MatchingPriceWeight is the weight applied to normalized bid price during ranking
	MatchingPriceWeight float64

	// MatchingReputationWeight is the weight applied to normalized prover reputation during ranking
	MatchingReputationWeight float64

	// MatchingETAWeight is the weight applied to normalized estimated completion time during ranking
	MatchingETAWeight float64

	// AuctionWindowTimeout is the duration of the bidding window for auctioned requests,
	// measured from receipt of the first bid
	AuctionWindowTimeout time.Duration

	// MatchingMaxRetries is the number of times a failed request re-enters the queue
	// before it is terminally failed
	MatchingMaxRetries uint32

	// ReputationDecayFactor is the EWMA decay factor applied to prover reputation updates
	ReputationDecayFactor float64

	// ReputationTargetResponseTime is the response time at or below which an outcome is
	// considered maximally responsive for reputation purposes
	ReputationTargetResponseTime time.Duration

	// RequestAgingThreshold is the wait duration after which a pending request is promoted
	// one priority tier for matching consideration
	RequestAgingThreshold time.Duration

	// AssignmentTimeout is the default per-assignment timeout enforced by the watchdog
	// when a request does not carry its own deadline
	AssignmentTimeout time.Duration

	// WatchdogTickInterval is the interval at which the watchdog sweeps matched and
	// pending requests
	WatchdogTickInterval time.Duration

	// ProverOfflineThreshold is the duration of heartbeat silence after which a prover
	// is marked offline
	ProverOfflineThreshold time.Duration
)

func init() {
	godotenv.Load()

	requireLogger()
	requireEngineConfiguration()

	ConsumeNATSStreamingSubscriptions = strings.ToLower(os.Getenv("CONSUME_NATS_STREAMING_SUBSCRIPTIONS")) == "true"
}

func requireLogger() {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "INFO"
	}

	var endpoint *string
	if os.Getenv("SYSLOG_ENDPOINT") != "" {
		endpt := os.Getenv("SYSLOG_ENDPOINT")
		endpoint = &endpt
	}

	Log = logger.NewLogger("proofmarket", lvl, endpoint)
}

func requireEngineConfiguration() {
	MatchingPriceWeight = floatEnv("MATCHING_PRICE_WEIGHT", 0.5)
	MatchingReputationWeight = floatEnv("MATCHING_REPUTATION_WEIGHT", 0.4)
	MatchingETAWeight = floatEnv("MATCHING_ETA_WEIGHT", 0.1)

	AuctionWindowTimeout = durationEnv("AUCTION_WINDOW_TIMEOUT", time.Second*30)
	MatchingMaxRetries = uint32(intEnv("MATCHING_MAX_RETRIES", 3))

	ReputationDecayFactor = floatEnv("REPUTATION_DECAY_FACTOR", 0.9)
	ReputationTargetResponseTime = durationEnv("REPUTATION_TARGET_RESPONSE_TIME", time.Second*60)

	RequestAgingThreshold = durationEnv("REQUEST_AGING_THRESHOLD", time.Minute*5)
	AssignmentTimeout = durationEnv("ASSIGNMENT_TIMEOUT", time.Minute*10)
	WatchdogTickInterval = durationEnv("WATCHDOG_TICK_INTERVAL", time.Second*30)
	ProverOfflineThreshold = durationEnv("PROVER_OFFLINE_THRESHOLD", time.Minute*10)
}

func durationEnv(key string, defaultValue time.Duration) time.Duration {
	if os.Getenv(key) != "" {
		val, err := time.ParseDuration(os.Getenv(key))
		if err != nil {
			Log.Panicf("failed to parse %s from environment; %s", key, err.Error())
		}
		return val
	}
	return defaultValue
}

func floatEnv(key string, defaultValue float64) float64 {
	if os.Getenv(key) != "" {
		val, err := strconv.ParseFloat(os.Getenv(key), 64)
		if err != nil {
			Log.Panicf("failed to parse %s from environment; %s", key, err.Error())
		}
		return val
	}
	return defaultValue
}

func intEnv(key string, defaultValue int64) int64 {
	if os.Getenv(key) != "" {
		val, err := strconv.ParseInt(os.Getenv(key), 10, 64)
		if err != nil {
			Log.Panicf("failed to parse %s from environment; %s", key, err.Error())
		}
		return val
	}
	return defaultValue
}
