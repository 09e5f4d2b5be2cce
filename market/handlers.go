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
	"time"

	"github.com/gin-gonic/gin"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/proofmarket/audit"
	"github.com/provideplatform/proofmarket/prover"
	"github.com/provideplatform/proofmarket/request"
	provide "github.com/provideplatform/provide-go/common"
	util "github.com/provideplatform/provide-go/common/util"
)

// InstallAPI registers the marketplace API handlers with gin
func InstallAPI(r *gin.Engine) {
	r.POST("/api/v1/requests/:id/bids", submitBidHandler)
	r.GET("/api/v1/requests/:id/bids", listBidsHandler)
	r.POST("/api/v1/requests/:id/outcome", reportOutcomeHandler)

	r.GET("/api/v1/market/stats", marketStatsHandler)
	r.GET("/api/v1/market/stats/export", marketExportHandler)
	r.GET("/api/v1/market/audit/root", auditRootHandler)
}

func authorized(c *gin.Context) bool {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	return appID != nil || orgID != nil || userID != nil
}

// submit a bid against an open request
func submitBidHandler(c *gin.Context) {
	if !authorized(c) {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	requestID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	params := &struct {
		ProverID  *uuid.UUID `json:"prover_id"`
		Price     *int64     `json:"price"`
		ETAMillis *int64     `json:"eta_millis"`
	}{}
	err = json.Unmarshal(buf, &params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	if params.ProverID == nil || params.Price == nil || params.ETAMillis == nil {
		provide.RenderError("prover_id, price and eta_millis are required", 422, c)
		return
	}

	bid, err := SubmitBid(requestID, *params.ProverID, *params.Price, time.Duration(*params.ETAMillis)*time.Millisecond)
	if err == request.ErrRequestNotFound || err == prover.ErrProverNotFound {
		provide.RenderError(err.Error(), 404, c)
		return
	} else if err == ErrBidWindowClosed {
		provide.RenderError(err.Error(), 409, c)
		return
	} else if err == ErrInvalidBid {
		provide.RenderError(err.Error(), 422, c)
		return
	} else if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	provide.Render(bid, 201, c)
}

// list the standing bids for a request
func listBidsHandler(c *gin.Context) {
	if !authorized(c) {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	requestID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	if _, err := request.Find(requestID); err != nil {
		provide.RenderError("request not found", 404, c)
		return
	}

	bids := ActiveBids(requestID)
	candidates := make([]*Candidate, 0, len(bids))
	for _, bid := range bids {
		prvr, err := prover.Find(bid.ProverID)
		if err != nil {
			continue
		}
		candidates = append(candidates, &Candidate{
			Prover:     prvr,
			Bid:        bid,
			Price:      bid.Price,
			ETAMillis:  bid.ETAMillis,
			ReceivedAt: bid.CreatedAt,
		})
	}

	ranked := make([]*Bid, 0, len(candidates))
	for _, candidate := range Rank(candidates) {
		ranked = append(ranked, candidate.Bid)
	}

	provide.Render(ranked, 200, c)
}

// report the outcome of an assigned request
func reportOutcomeHandler(c *gin.Context) {
	if !authorized(c) {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	requestID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	params := &struct {
		ProverID *uuid.UUID      `json:"prover_id"`
		Success  *bool           `json:"success"`
		Metrics  *OutcomeMetrics `json:"metrics"`
	}{}
	err = json.Unmarshal(buf, &params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	if params.ProverID == nil || params.Success == nil {
		provide.RenderError("prover_id and success are required", 422, c)
		return
	}

	assignment, err := ReportOutcome(requestID, *params.ProverID, *params.Success, params.Metrics)
	if err == request.ErrRequestNotFound {
		provide.RenderError(err.Error(), 404, c)
		return
	} else if err == request.ErrInvalidTransition {
		// the request is not currently matched
		provide.RenderError(err.Error(), 422, c)
		return
	} else if err == ErrProverMismatch {
		provide.RenderError(err.Error(), 403, c)
		return
	} else if err == ErrAssignmentSettled {
		provide.RenderError(err.Error(), 409, c)
		return
	} else if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	provide.Render(assignment, 200, c)
}

// fetch the current market summary
func marketStatsHandler(c *gin.Context) {
	if !authorized(c) {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	snapshot, err := CurrentSnapshot(c.Query("period"))
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	provide.Render(snapshot, 200, c)
}

// export historical hourly market stats as json or csv
func marketExportHandler(c *gin.Context) {
	if !authorized(c) {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	raw, contentType, err := Export(c.Query("format"))
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	c.Data(200, contentType, raw)
}

// fetch the merkle root of the append-only market event log
func auditRootHandler(c *gin.Context) {
	if !authorized(c) {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	root, err := audit.Root()
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	provide.Render(map[string]interface{}{
		"root":   root,
		"length": audit.Length(),
	}, 200, c)
}
