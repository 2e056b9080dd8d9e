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
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRatchet/pkg/extensions"
)

const (
	requestIDKey = "request_id"
	authInfoKey  = "auth_info"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratchet_http_requests_total",
		Help: "HTTP requests by method, route and status code",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ratchet_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	httpAuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratchet_http_auth_failures_total",
		Help: "Requests rejected by authentication or authorization",
	}, []string{"reason"})

	httpRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratchet_http_rate_limited_total",
		Help: "Trial requests rejected by the per-namespace limiter",
	}, []string{"namespace"})
)

// getOrCreateRequestID returns the X-Request-ID header, generating one when
// absent, and echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	c.Set(requestIDKey, requestID)
	return requestID
}

// RequestIDMiddleware assigns every request an id before handlers run.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		getOrCreateRequestID(c)
		c.Next()
	}
}

// MetricsMiddleware records request counts and latency by route template.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// namespaceLimiter holds one token bucket per namespace.
type namespaceLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newNamespaceLimiter(limit rate.Limit, burst int) *namespaceLimiter {
	return &namespaceLimiter{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *namespaceLimiter) allow(ns string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ns]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ns] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// middleware rejects requests over the namespace's rate with 429.
func (l *namespaceLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ns := c.Param("namespace")
		if !l.allow(ns) {
			httpRateLimited.WithLabelValues(ns).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "trial rate limit exceeded for namespace " + ns,
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// authInfo returns the identity stored by authenticate, or nil.
func authInfo(c *gin.Context) *extensions.AuthInfo {
	if v, ok := c.Get(authInfoKey); ok {
		if info, ok := v.(*extensions.AuthInfo); ok {
			return info
		}
	}
	return nil
}

// authenticate validates the bearer token and stores the identity on the
// context. Failures abort with 401 UNAUTHORIZED.
func (h *Handlers) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := h.ext.AuthProvider.Validate(c.Request.Context(), bearerToken(c))
		if err != nil || info == nil {
			httpAuthFailures.WithLabelValues("unauthenticated").Inc()
			h.logger.Warn("request rejected",
				"request_id", getOrCreateRequestID(c),
				"path", c.FullPath(),
				"error", err)
			c.Header("WWW-Authenticate", `Bearer realm="ratchet"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "missing or invalid bearer token",
				Code:  "UNAUTHORIZED",
			})
			return
		}
		c.Set(authInfoKey, info)
		c.Next()
	}
}

// authorize checks action on resourceType. The resource id comes from the
// named path parameter; an empty param name means no specific resource.
func (h *Handlers) authorize(action, resourceType, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := extensions.AuthzRequest{
			User:         authInfo(c),
			Action:       action,
			ResourceType: resourceType,
		}
		if param != "" {
			req.ResourceID = c.Param(param)
		}
		if err := h.ext.AuthzProvider.Authorize(c.Request.Context(), req); err != nil {
			httpAuthFailures.WithLabelValues("forbidden").Inc()
			status, code := http.StatusForbidden, "FORBIDDEN"
			if errors.Is(err, extensions.ErrUnauthorized) {
				status, code = http.StatusUnauthorized, "UNAUTHORIZED"
			}
			h.requestLogger(c, "authorize").Warn("request forbidden",
				"action", action,
				"resource_type", resourceType,
				"error", err)
			c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
			return
		}
		c.Next()
	}
}
