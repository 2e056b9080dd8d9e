// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratchet

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianRatchet/pkg/extensions"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/telemetry"
)

// RegisterRoutes registers the /v1 endpoints on rg.
//
// # Description
//
// Pipeline Endpoints:
//
//	GET  /v1/pipelines
//	POST /v1/pipelines/:namespace/trials
//	POST /v1/pipelines/:namespace/units/:id/commit
//	POST /v1/pipelines/:namespace/units/:id/revert
//	POST /v1/pipelines/:namespace/units/:id/retire
//	POST /v1/pipelines/:namespace/divisions
//	GET  /v1/pipelines/:namespace/status
//	GET  /v1/pipelines/:namespace/units
//
// Ledger Endpoints:
//
//	GET  /v1/ledger
//	GET  /v1/ledger/stream (websocket)
//
// Risk Endpoints:
//
//	GET   /v1/risk/profiles/:capability
//	PATCH /v1/risk/profiles/:capability
//	POST  /v1/risk/assess
//
// Health Endpoints:
//
//	GET  /v1/health
//
// Every route except health passes through the AuthProvider, and each is
// checked against the AuthzProvider with the action it performs. The trial
// route is rate limited per namespace when WithTrialRateLimit was
// configured.
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rg.GET("/health", handlers.HandleHealth)

	api := rg.Group("", handlers.authenticate())
	read := func(resourceType, param string) gin.HandlerFunc {
		return handlers.authorize(extensions.ActionRead, resourceType, param)
	}

	pipelines := api.Group("/pipelines")
	{
		pipelines.GET("", read(extensions.ResourcePipeline, ""), handlers.HandleListPipelines)

		ns := pipelines.Group("/:namespace")
		trial := []gin.HandlerFunc{handlers.authorize(extensions.ActionTrial, extensions.ResourcePipeline, "namespace")}
		if handlers.limiter != nil {
			trial = append(trial, handlers.limiter.middleware())
		}
		ns.POST("/trials", append(trial, handlers.HandleTrial)...)
		ns.POST("/units/:id/commit",
			handlers.authorize(extensions.ActionCommit, extensions.ResourcePipeline, "namespace"), handlers.HandleCommit)
		ns.POST("/units/:id/revert",
			handlers.authorize(extensions.ActionRevert, extensions.ResourcePipeline, "namespace"), handlers.HandleRevert)
		ns.POST("/units/:id/retire",
			handlers.authorize(extensions.ActionRetire, extensions.ResourcePipeline, "namespace"), handlers.HandleRetire)
		ns.POST("/divisions",
			handlers.authorize(extensions.ActionDivide, extensions.ResourcePipeline, "namespace"), handlers.HandleDivide)
		ns.GET("/status", read(extensions.ResourcePipeline, "namespace"), handlers.HandleStatus)
		ns.GET("/units", read(extensions.ResourcePipeline, "namespace"), handlers.HandleUnits)
	}

	ledgerGroup := api.Group("/ledger", read(extensions.ResourceLedger, ""))
	{
		ledgerGroup.GET("", handlers.HandleLedgerQuery)
		ledgerGroup.GET("/stream", handlers.HandleLedgerStream)
	}

	riskGroup := api.Group("/risk")
	{
		riskGroup.GET("/profiles/:capability", read(extensions.ResourceRiskProfile, "capability"), handlers.HandleGetProfile)
		riskGroup.PATCH("/profiles/:capability",
			handlers.authorize(extensions.ActionUpdateProfile, extensions.ResourceRiskProfile, "capability"),
			handlers.HandleUpdateProfile)
		riskGroup.POST("/assess", read(extensions.ResourceRiskProfile, ""), handlers.HandleAssess)
	}
}

// RouterOptions configure NewRouter.
type RouterOptions struct {
	// ServiceName names the otelgin server spans.
	ServiceName string

	// Tracing adds the otelgin middleware.
	Tracing bool
}

// NewRouter builds the gin engine: recovery, request ids, HTTP metrics,
// optional tracing, /metrics and the /v1 routes.
func NewRouter(handlers *Handlers, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestIDMiddleware(), MetricsMiddleware())
	if opts.Tracing {
		name := opts.ServiceName
		if name == "" {
			name = "ratchet"
		}
		router.Use(otelgin.Middleware(name))
	}

	metrics := telemetry.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metrics))
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "route not found", Code: "NOT_FOUND"})
	})

	RegisterRoutes(router.Group("/v1"), handlers)
	return router
}
