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
	"strconv"

	"github.com/gin-gonic/gin"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/proofmarket/common"
	provide "github.com/provideplatform/provide-go/common"
	util "github.com/provideplatform/provide-go/common/util"
)

// InstallAPI registers the prover registry API handlers with gin
func InstallAPI(r *gin.Engine) {
	r.GET("/api/v1/provers", listProversHandler)
	r.POST("/api/v1/provers", registerProverHandler)
	r.GET("/api/v1/provers/:id", proverDetailsHandler)
	r.PUT("/api/v1/provers/:id/status", updateProverStatusHandler)
}

// list/search registered provers; filters: backend, max_price, min_reputation, status
func listProversHandler(c *gin.Context) {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	backend := common.StringOrNil(c.Query("backend"))
	status := common.StringOrNil(c.Query("status"))

	var maxPrice *int64
	if c.Query("max_price") != "" {
		price, err := strconv.ParseInt(c.Query("max_price"), 10, 64)
		if err != nil {
			provide.RenderError("bad request", 400, c)
			return
		}
		maxPrice = &price
	}

	var minReputation *float64
	if c.Query("min_reputation") != "" {
		reputation, err := strconv.ParseFloat(c.Query("min_reputation"), 64)
		if err != nil {
			provide.RenderError("bad request", 400, c)
			return
		}
		minReputation = &reputation
	}

	provers := Search(backend, maxPrice, minReputation, status)
	provide.Render(provers, 200, c)
}

// register a prover profile
func registerProverHandler(c *gin.Context) {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	prvr := &Prover{}
	err = json.Unmarshal(buf, prvr)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	if appID != nil {
		prvr.ApplicationID = appID
	}

	if orgID != nil {
		prvr.OrganizationID = orgID
	}

	if userID != nil {
		prvr.UserID = userID
	}

	err = Register(prvr)
	if err == ErrDuplicateProver {
		provide.RenderError(err.Error(), 409, c)
		return
	} else if err != nil {
		obj := map[string]interface{}{}
		obj["errors"] = prvr.Errors
		provide.Render(obj, 422, c)
		return
	}

	provide.Render(prvr, 201, c)
}

// fetch prover details
func proverDetailsHandler(c *gin.Context) {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	proverID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	prvr, err := Find(proverID)
	if err != nil {
		provide.RenderError("prover not found", 404, c)
		return
	}

	provide.Render(prvr, 200, c)
}

// update prover status; doubles as the heartbeat endpoint
func updateProverStatusHandler(c *gin.Context) {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	proverID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	params := map[string]interface{}{}
	err = json.Unmarshal(buf, &params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	status, statusOk := params["status"].(string)
	if !statusOk {
		err = Heartbeat(proverID)
	} else {
		err = UpdateStatus(proverID, status)
	}

	if err == ErrProverNotFound {
		provide.RenderError(err.Error(), 404, c)
		return
	} else if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	provide.Render(nil, 204, c)
}
