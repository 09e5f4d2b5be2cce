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
	"time"

	dbconf "github.com/kthomas/go-db-config"
	"github.com/provideplatform/proofmarket/common"
	"github.com/provideplatform/proofmarket/prover"
	"github.com/provideplatform/proofmarket/request"
)

// RunWatchdog periodically expires overdue requests, times out stalled
// assignments, marks unresponsive provers offline and re-runs matching for
// anything left in the queue; blocks until the shutdown channel closes
func RunWatchdog(shutdown chan struct{}) {
	ticker := time.NewTicker(common.WatchdogTickInterval)
	defer ticker.Stop()

	common.Log.Debugf("market watchdog running; tick interval: %s", common.WatchdogTickInterval)

	for {
		select {
		case <-ticker.C:
			tick()
		case <-shutdown:
			common.Log.Debugf("market watchdog exiting")
			return
		}
	}
}

func tick() {
	expired := request.ExpireOverdue()
	if expired > 0 {
		common.Log.Debugf("expired %d overdue requests", expired)
	}

	timedOut := timeoutStalledAssignments()
	if timedOut > 0 {
		common.Log.Debugf("timed out %d stalled assignments", timedOut)
	}

	offline := prover.MarkStaleProversOffline()
	if offline > 0 {
		common.Log.Debugf("marked %d unresponsive provers offline", offline)
	}

	RunMatchingRound()
}

// timeoutStalledAssignments settles pending assignments whose deadline elapsed
// with a timeout outcome, treating each as a failure of the assigned prover
func timeoutStalledAssignments() int {
	db := dbconf.DatabaseConnection()
	now := time.Now()

	var assignments []*Assignment
	db.Where("outcome = ?", AssignmentOutcomePending).Find(&assignments)

	timedOut := 0
	for _, assignment := range assignments {
		req, err := request.Find(assignment.RequestID)
		if err != nil {
			continue
		}
		if now.Before(req.AssignmentDeadline()) {
			continue
		}

		err = withRequestLock(req.ID, func() error {
			if !assignment.settle(AssignmentOutcomeTimeout, now) {
				return ErrAssignmentSettled
			}
			applyFailure(req, assignment)
			return nil
		})
		if err == nil {
			timedOut++
		}
	}

	return timedOut
}
