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
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jinzhu/gorm"
	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/proofmarket/prover"
	"github.com/provideplatform/proofmarket/request"
	provide "github.com/provideplatform/provide-go/api"
)

// StatsBucket aggregates market activity within one hour
type StatsBucket struct {
	provide.Model

	BucketAt time.Time `sql:"not null;unique_index" json:"bucket_at"`

	MatchedCount   int64 `json:"matched_count"`
	CompletedCount int64 `json:"completed_count"`
	FailedCount    int64 `json:"failed_count"`

	VolumeSettled int64 `json:"volume_settled"`

	// sums divided by matched/completed counts yield the bucket averages
	MatchLatencyMillisSum   int64 `json:"-"`
	GenerationTimeMillisSum int64 `json:"-"`

	AvgMatchLatencyMillis   float64 `sql:"-" json:"avg_match_latency_millis"`
	AvgGenerationTimeMillis float64 `sql:"-" json:"avg_generation_time_millis"`
}

// TableName returns the name of the backing table
func (StatsBucket) TableName() string {
	return "market_stats"
}

// Snapshot is the summary view of current marketplace state
type Snapshot struct {
	PendingRequests   int64 `json:"pending_requests"`
	MatchedRequests   int64 `json:"matched_requests"`
	CompletedRequests int64 `json:"completed_requests"`
	FailedRequests    int64 `json:"failed_requests"`

	ActiveProvers int64 `json:"active_provers"`
	BusyProvers   int64 `json:"busy_provers"`

	VolumeSettled           int64   `json:"volume_settled"`
	AvgSettledPrice         float64 `json:"avg_settled_price"`
	AvgMatchLatencyMillis   float64 `json:"avg_match_latency_millis"`
	AvgGenerationTimeMillis float64 `json:"avg_generation_time_millis"`
	P50GenerationTimeMillis float64 `json:"p50_generation_time_millis"`
	P95GenerationTimeMillis float64 `json:"p95_generation_time_millis"`

	ProverRankings []*ProverRanking `json:"prover_rankings"`
}

// ProverRanking summarizes a prover's standing in the marketplace
type ProverRanking struct {
	ProverID        uuid.UUID `json:"prover_id"`
	Identifier      string    `json:"identifier"`
	ReputationScore float64   `json:"reputation_score"`
	TotalProofs     uint64    `json:"total_proofs"`
	SuccessRate     float64   `json:"success_rate"`
}

func bucketFor(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func requireBucket(db *gorm.DB, at time.Time) *StatsBucket {
	bucket := &StatsBucket{}
	db.Where("bucket_at = ?", at).Find(&bucket)
	if bucket.ID == uuid.Nil {
		bucket = &StatsBucket{BucketAt: at}
		db.Create(&bucket)
		if bucket.ID == uuid.Nil {
			// insert race; re-resolve
			db.Where("bucket_at = ?", at).Find(&bucket)
		}
	}
	return bucket
}

func statsRecordMatched(assignment *Assignment, matchLatency time.Duration) {
	db := dbconf.DatabaseConnection()
	bucket := requireBucket(db, bucketFor(time.Now()))

	db.Model(&StatsBucket{}).Where("id = ?", bucket.ID).Updates(map[string]interface{}{
		"matched_count":            gorm.Expr("matched_count + 1"),
		"match_latency_millis_sum": gorm.Expr("match_latency_millis_sum + ?", matchLatency.Milliseconds()),
	})
}

func statsRecordOutcome(assignment *Assignment, success bool) {
	db := dbconf.DatabaseConnection()
	bucket := requireBucket(db, bucketFor(time.Now()))

	if success {
		updates := map[string]interface{}{
			"completed_count": gorm.Expr("completed_count + 1"),
			"volume_settled":  gorm.Expr("volume_settled + ?", assignment.AgreedPrice),
		}
		if assignment.GenerationTimeMillis != nil {
			updates["generation_time_millis_sum"] = gorm.Expr("generation_time_millis_sum + ?", *assignment.GenerationTimeMillis)
		}
		db.Model(&StatsBucket{}).Where("id = ?", bucket.ID).Updates(updates)
	} else {
		db.Model(&StatsBucket{}).Where("id = ?", bucket.ID).Update("failed_count", gorm.Expr("failed_count + 1"))
	}
}

// periodStart resolves the earliest bucket included in a snapshot period;
// supported periods are "hour", "day", "week" and "" (all-time)
func periodStart(period string, now time.Time) (*time.Time, error) {
	var since time.Time
	switch period {
	case "", "all":
		return nil, nil
	case "hour":
		since = bucketFor(now)
	case "day":
		since = now.Add(-24 * time.Hour)
	case "week":
		since = now.Add(-7 * 24 * time.Hour)
	default:
		return nil, fmt.Errorf("unsupported stats period: %s", period)
	}
	return &since, nil
}

// CurrentSnapshot aggregates queue depth, prover availability and settled
// volume over the given period into a market summary; queue depth and prover
// availability are always point-in-time
func CurrentSnapshot(period string) (*Snapshot, error) {
	since, err := periodStart(period, time.Now())
	if err != nil {
		return nil, err
	}

	db := dbconf.DatabaseConnection()
	snapshot := &Snapshot{}

	db.Table("requests").Where("status = ?", request.RequestStatusPending).Count(&snapshot.PendingRequests)
	db.Table("requests").Where("status = ?", request.RequestStatusMatched).Count(&snapshot.MatchedRequests)
	db.Table("requests").Where("status = ?", request.RequestStatusCompleted).Count(&snapshot.CompletedRequests)
	db.Table("requests").Where("status = ?", request.RequestStatusFailed).Count(&snapshot.FailedRequests)

	db.Table("provers").Where("status = ?", prover.ProverStatusActive).Count(&snapshot.ActiveProvers)
	db.Table("provers").Where("status = ?", prover.ProverStatusBusy).Count(&snapshot.BusyProvers)

	var totals struct {
		VolumeSettled           int64
		MatchedCount            int64
		CompletedCount          int64
		MatchLatencyMillisSum   int64
		GenerationTimeMillisSum int64
	}
	query := db.Table("market_stats")
	if since != nil {
		query = query.Where("bucket_at >= ?", *since)
	}
	query.Select(
		"COALESCE(SUM(volume_settled), 0) AS volume_settled, COALESCE(SUM(matched_count), 0) AS matched_count, COALESCE(SUM(completed_count), 0) AS completed_count, COALESCE(SUM(match_latency_millis_sum), 0) AS match_latency_millis_sum, COALESCE(SUM(generation_time_millis_sum), 0) AS generation_time_millis_sum",
	).Scan(&totals)

	snapshot.VolumeSettled = totals.VolumeSettled
	if totals.MatchedCount > 0 {
		snapshot.AvgMatchLatencyMillis = float64(totals.MatchLatencyMillisSum) / float64(totals.MatchedCount)
	}
	if totals.CompletedCount > 0 {
		snapshot.AvgSettledPrice = float64(totals.VolumeSettled) / float64(totals.CompletedCount)
		snapshot.AvgGenerationTimeMillis = float64(totals.GenerationTimeMillisSum) / float64(totals.CompletedCount)
	}

	var percentiles struct {
		P50 float64
		P95 float64
	}
	assignments := db.Table("assignments").Where("outcome = ? AND generation_time_millis IS NOT NULL", AssignmentOutcomeSuccess)
	if since != nil {
		assignments = assignments.Where("created_at >= ?", *since)
	}
	assignments.Select(
		"COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY generation_time_millis), 0) AS p50, COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY generation_time_millis), 0) AS p95",
	).Scan(&percentiles)
	snapshot.P50GenerationTimeMillis = percentiles.P50
	snapshot.P95GenerationTimeMillis = percentiles.P95

	snapshot.ProverRankings = Rankings(10)
	return snapshot, nil
}

// Rankings returns the top provers by reputation score
func Rankings(limit int) []*ProverRanking {
	db := dbconf.DatabaseConnection()

	var provers []*prover.Prover
	db.Where("total_proofs > 0").Order("reputation_score desc").Limit(limit).Find(&provers)

	rankings := make([]*ProverRanking, 0, len(provers))
	for _, prvr := range provers {
		ranking := &ProverRanking{
			ProverID:        prvr.ID,
			ReputationScore: prvr.ReputationScore,
			TotalProofs:     prvr.TotalProofs,
		}
		if prvr.Identifier != nil {
			ranking.Identifier = *prvr.Identifier
		}
		if prvr.TotalProofs > 0 {
			ranking.SuccessRate = float64(prvr.SuccessfulProofs) / float64(prvr.TotalProofs)
		}
		rankings = append(rankings, ranking)
	}
	return rankings
}

// historicalBuckets returns the persisted hourly buckets in chronological
// order with the derived averages populated
func historicalBuckets() []*StatsBucket {
	db := dbconf.DatabaseConnection()

	var buckets []*StatsBucket
	db.Order("bucket_at asc").Find(&buckets)

	for _, bucket := range buckets {
		if bucket.MatchedCount > 0 {
			bucket.AvgMatchLatencyMillis = float64(bucket.MatchLatencyMillisSum) / float64(bucket.MatchedCount)
		}
		if bucket.CompletedCount > 0 {
			bucket.AvgGenerationTimeMillis = float64(bucket.GenerationTimeMillisSum) / float64(bucket.CompletedCount)
		}
	}
	return buckets
}

// Export renders the historical hourly stats in the requested format;
// supported formats are "json" and "csv"
func Export(format string) ([]byte, string, error) {
	buckets := historicalBuckets()

	switch format {
	case "", "json":
		raw, err := json.Marshal(buckets)
		if err != nil {
			return nil, "", err
		}
		return raw, "application/json", nil
	case "csv":
		var buf bytes.Buffer
		writer := csv.NewWriter(&buf)
		writer.Write([]string{"bucket_at", "matched_count", "completed_count", "failed_count", "volume_settled", "avg_match_latency_millis", "avg_generation_time_millis"})
		for _, bucket := range buckets {
			writer.Write([]string{
				bucket.BucketAt.Format(time.RFC3339),
				strconv.FormatInt(bucket.MatchedCount, 10),
				strconv.FormatInt(bucket.CompletedCount, 10),
				strconv.FormatInt(bucket.FailedCount, 10),
				strconv.FormatInt(bucket.VolumeSettled, 10),
				strconv.FormatFloat(bucket.AvgMatchLatencyMillis, 'f', 2, 64),
				strconv.FormatFloat(bucket.AvgGenerationTimeMillis, 'f', 2, 64),
			})
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "text/csv", nil
	default:
		return nil, "", fmt.Errorf("unsupported export format: %s", format)
	}
}
