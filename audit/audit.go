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

package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"sync"

	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	"github.com/providenetwork/merkletree"
	"github.com/provideplatform/proofmarket/common"
	provide "github.com/provideplatform/provide-go/api"
)

// Event is a single row in the append-only marketplace event log; events are never
// updated or deleted and back stats recomputation and dispute audit
type Event struct {
	provide.Model

	RequestID *uuid.UUID `sql:"type:uuid" json:"request_id,omitempty"`
	ProverID  *uuid.UUID `sql:"type:uuid" json:"prover_id,omitempty"`

	Event   *string `sql:"not null" json:"event"`
	Payload []byte  `json:"payload,omitempty"`
}

// TableName returns the name of the underlying events table
func (Event) TableName() string {
	return "market_events"
}

var (
	tree      *merkletree.MerkleTree
	treeMutex sync.Mutex
	contents  []merkletree.Content
	loaded    bool
)

// eventContent wraps a serialized event for inclusion in the audit merkle tree
type eventContent struct {
	value []byte
}

// CalculateHash returns the sha256 hash of the serialized event
func (ec *eventContent) CalculateHash() ([]byte, error) {
	digest := sha256.New()
	digest.Write(ec.value)
	return digest.Sum(nil), nil
}

// Equals returns true if the given content matches the underlying serialized event
func (ec *eventContent) Equals(other merkletree.Content) (bool, error) {
	h0, err := ec.CalculateHash()
	if err != nil {
		return false, err
	}

	h1, err := other.CalculateHash()
	if err != nil {
		return false, err
	}

	return bytes.Equal(h0, h1), nil
}

// Append records a marketplace event in the log and folds it into the audit tree
func Append(requestID, proverID *uuid.UUID, event string, params map[string]interface{}) error {
	if event == "" {
		return errors.New("failed to append audit event; no event type")
	}

	var payload []byte
	if params != nil {
		payload, _ = json.Marshal(params)
	}

	evt := &Event{
		RequestID: requestID,
		ProverID:  proverID,
		Event:     common.StringOrNil(event),
		Payload:   payload,
	}

	db := dbconf.DatabaseConnection()
	result := db.Create(&evt)
	if len(result.GetErrors()) > 0 {
		return result.GetErrors()[0]
	}

	treeMutex.Lock()
	defer treeMutex.Unlock()

	if err := requireTree(); err != nil {
		common.Log.Warningf("failed to fold audit event %s into merkle tree; %s", evt.ID, err.Error())
		return nil
	}

	return insertLeaf(evt)
}

// Root returns the current merkle root over the event log
func Root() (*string, error) {
	treeMutex.Lock()
	defer treeMutex.Unlock()

	if err := requireTree(); err != nil {
		return nil, err
	}

	if tree == nil {
		return nil, errors.New("audit log is empty")
	}

	root := fmt.Sprintf("%x", tree.MerkleRoot())
	return &root, nil
}

// Length returns the number of events folded into the audit tree
func Length() int {
	treeMutex.Lock()
	defer treeMutex.Unlock()

	if err := requireTree(); err != nil {
		return 0
	}

	return len(contents)
}

// requireTree lazily replays persisted events into the in-memory tree
func requireTree() error {
	if loaded {
		return nil
	}

	db := dbconf.DatabaseConnection()

	var events []*Event
	result := db.Order("created_at asc").Find(&events)
	if len(result.GetErrors()) > 0 {
		return result.GetErrors()[0]
	}

	contents = make([]merkletree.Content, 0, len(events))
	for _, evt := range events {
		contents = append(contents, &eventContent{value: leafValue(evt)})
	}

	if len(contents) > 0 {
		var err error
		tree, err = merkletree.NewTreeWithHashStrategy(contents, func() hash.Hash {
			return sha256.New()
		})
		if err != nil {
			return fmt.Errorf("failed to replay %d audit events into merkle tree; %s", len(events), err.Error())
		}
	}

	loaded = true
	common.Log.Debugf("replayed %d audit events into merkle tree", len(events))
	return nil
}

// insertLeaf appends a leaf and recalculates the tree
// TODO-- incremental leaf insertion; a full rebuild per append will not scale past modest event volumes
func insertLeaf(evt *Event) error {
	contents = append(contents, &eventContent{value: leafValue(evt)})

	if tree == nil {
		var err error
		tree, err = merkletree.NewTreeWithHashStrategy(contents, func() hash.Hash {
			return sha256.New()
		})
		return err
	}

	return tree.RebuildTreeWith(contents)
}

func leafValue(evt *Event) []byte {
	val, _ := json.Marshal(map[string]interface{}{
		"id":         evt.ID.String(),
		"request_id": evt.RequestID,
		"prover_id":  evt.ProverID,
		"event":      evt.Event,
		"payload":    evt.Payload,
	})
	return val
}
