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

package request

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/common"
	util "github.com/provideplatform/provide-go/common/util"
)

// InstallAPI registers the request queue API handlers with gin
func InstallAPI(r *gin.Engine) {
	r.POST("/api/v1/requests", submitRequestHandler)
	r.GET("/api/v1/requests/:id", requestDetailsHandler)
	r.DELETE("/api/v1/requests/:id", cancelRequestHandler)
}

// submit a proof-generation request
func submitRequestHandler(c *gin.Context) {
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

	req := &Request{}
	err = json.Unmarshal(buf, req)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	if appID != nil {
		req.ApplicationID = appID
		req.RequesterID = appID
	}

	if orgID != nil {
		req.OrganizationID = orgID
		req.RequesterID = orgID
	}

	if userID != nil {
		req.UserID = userID
		req.RequesterID = userID
	}

	err = Submit(req)
	if err != nil {
		obj := map[string]interface{}{}
		obj["errors"] = req.Errors
		provide.Render(obj, 422, c)
		return
	}

	provide.Render(req, 201, c)
}

// fetch request status
func requestDetailsHandler(c *gin.Context) {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	requestID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	req, err := Find(requestID)
	if err != nil {
		provide.RenderError("request not found", 404, c)
		return
	}

	provide.Render(req, 200, c)
}

// cancel a pending request; cancellation is only permitted pre-match
func cancelRequestHandler(c *gin.Context) {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	requestID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	requesterID := appID
	if requesterID == nil {
		requesterID = orgID
	}
	if requesterID == nil {
		requesterID = userID
	}

	err = Cancel(requestID, requesterID)
	if err == ErrRequestNotFound {
		provide.RenderError(err.Error(), 404, c)
		return
	} else if err == ErrInvalidTransition {
		provide.RenderError(err.Error(), 422, c)
		return
	} else if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	provide.Render(nil, 204, c)
}
