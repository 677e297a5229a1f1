// Copyright 2025-2026 The biosync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pklau/biosync/apis"
	"github.com/pklau/biosync/common"
	"github.com/pklau/biosync/core"
	"github.com/pklau/biosync/device"
	"github.com/pklau/biosync/hub"
	"github.com/pklau/biosync/ingress"
	"github.com/pklau/biosync/reconcile"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunBridgeServer assemble and run the attendance bridge: terminal client,
// reconciliation engine, distribution hub, and the HTTP boundary.
//
// natsClient is nil when the external pub/sub medium was unavailable at
// startup; the hub then serves same-process subscribers only.
func RunBridgeServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "bridge",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Assemble the pipeline

	terminal, err := device.GetTCPClient(config.Device)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define terminal client")
		return err
	}
	defer terminal.Close()

	distHub, err := hub.GetDistributionHub(localCtxt, natsClient, config.NATS.Channel)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define distribution hub")
		return err
	}
	if err := distHub.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start distribution hub")
		return err
	}

	engine, err := reconcile.GetReconciliationEngine(
		localCtxt, terminal, distHub, config.Reconcile,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define reconciliation engine")
		return err
	}
	if err := engine.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start reconciliation engine")
		return err
	}
	defer func() {
		_ = engine.Stop()
	}()

	commands, err := ingress.GetCommandStore()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define command store")
		return err
	}

	httpHandler, err := apis.GetAPIRestBridgeHandler(
		localCtxt,
		distHub,
		engine,
		commands,
		natsClient,
		&config.Bridge.HTTPSetting,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(
		router, config.Bridge.Endpoints.PathPrefix, nil,
	)

	// Snapshot / stream boundary
	bioSyncRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/bio-sync", map[string]http.HandlerFunc{
			"get": httpHandler.LoggingMiddleware(httpHandler.SnapshotHandler()),
		},
	)
	// The stream handler hijacks the connection on upgrade, so it bypasses
	// the response logging middleware
	_ = apis.RegisterPathPrefix(
		bioSyncRouter, "/stream", map[string]http.HandlerFunc{
			"get": httpHandler.StreamAttendanceHandler(),
		},
	)

	// Device push ingress
	_ = apis.RegisterPathPrefix(
		mainRouter, "/iclock/cdata", map[string]http.HandlerFunc{
			"get":  httpHandler.LoggingMiddleware(httpHandler.DeviceRegisterHandler()),
			"post": httpHandler.LoggingMiddleware(httpHandler.DevicePushHandler()),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/iclock/getrequest", map[string]http.HandlerFunc{
			"get": httpHandler.LoggingMiddleware(httpHandler.DeviceGetRequestHandler()),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.LoggingMiddleware(httpHandler.AliveHandler()),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.LoggingMiddleware(httpHandler.ReadyHandler()),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.Bridge.HTTPSetting.Server.ListenOn, config.Bridge.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.Bridge.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.Bridge.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.Bridge.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
