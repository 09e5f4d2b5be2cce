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
	"fmt"
	"os"
	"sync"

	redisutil "github.com/kthomas/go-redisutil"
	uuid "github.com/kthomas/go.uuid"
)

var (
	redlockEnabled = os.Getenv("REDIS_HOSTS") != ""

	localLocks sync.Map // request id -> *sync.Mutex
)

// withRequestLock serializes matching and settlement for a single request;
// distributed via redlock when redis is configured, otherwise process-local
func withRequestLock(requestID uuid.UUID, fn func() error) error {
	if redlockEnabled {
		key := fmt.Sprintf("proofmarket.request.lock.%s", requestID)
		return redisutil.WithRedlock(key, fn)
	}

	mutex, _ := localLocks.LoadOrStore(requestID, &sync.Mutex{})
	mtx := mutex.(*sync.Mutex)
	mtx.Lock()
	defer mtx.Unlock()
	return fn()
}
