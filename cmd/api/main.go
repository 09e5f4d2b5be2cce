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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	redisutil "github.com/kthomas/go-redisutil"
	"github.com/provideplatform/proofmarket/common"
	"github.com/provideplatform/proofmarket/market"
	"github.com/provideplatform/proofmarket/prover"
	"github.com/provideplatform/proofmarket/request"
)

const shutdownGracePeriod = 10 * time.Second

var (
	srv      *http.Server
	shutdown chan struct{}
)

func main() {
	common.Log.Debugf("starting proofmarket API...")

	if os.Getenv("REDIS_HOSTS") != "" {
		redisutil.RequireRedis()
	}

	shutdown = make(chan struct{})
	go market.RunWatchdog(shutdown)

	installAPI()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigs
	common.Log.Debugf("received signal: %s; shutting down", sig)

	close(shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		common.Log.Warningf("failed to gracefully shut down API server; %s", err.Error())
	}

	common.Log.Debugf("exiting proofmarket API")
}

func installAPI() {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", statusHandler)

	prover.InstallAPI(r)
	request.InstallAPI(r)
	market.InstallAPI(r)

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenPort := os.Getenv("PORT")
		if listenPort == "" {
			listenPort = "8080"
		}
		listenAddr = fmt.Sprintf("0.0.0.0:%s", listenPort)
	}

	srv = &http.Server{
		Addr:    listenAddr,
		Handler: r,
	}

	go func() {
		common.Log.Debugf("proofmarket API listening on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.Log.Panicf("failed to serve proofmarket API; %s", err.Error())
		}
	}()
}

func statusHandler(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}
