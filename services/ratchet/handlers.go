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
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRatchet/pkg/extensions"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/division"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/ledger"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/risk"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/sandbox"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/telemetry"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

// Handlers contains the HTTP handlers for the ratchet service.
type Handlers struct {
	svc     *Service
	logger  *slog.Logger
	limiter *namespaceLimiter
	ext     extensions.ServiceOptions
}

// NewHandlers creates handlers for svc. A nil logger uses slog.Default().
func NewHandlers(svc *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		svc:    svc,
		logger: logger.With("component", "ratchet_http"),
		ext:    extensions.DefaultOptions(),
	}
}

// WithExtensions installs the auth providers. Nil fields keep the no-op
// defaults.
func (h *Handlers) WithExtensions(opts extensions.ServiceOptions) *Handlers {
	h.ext = opts.Normalize()
	return h
}

// WithTrialRateLimit limits trials to perSecond per namespace with the given
// burst. A non-positive rate disables limiting.
func (h *Handlers) WithTrialRateLimit(perSecond float64, burst int) *Handlers {
	if perSecond <= 0 {
		h.limiter = nil
		return h
	}
	h.limiter = newNamespaceLimiter(rate.Limit(perSecond), max(burst, 1))
	return h
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	l := telemetry.LoggerWithRequest(c.Request.Context(), h.logger, getOrCreateRequestID(c), c.Param("namespace")).
		With("handler", handler)
	if info := authInfo(c); info != nil {
		l = l.With("user_id", info.UserID)
	}
	return l
}

// errorStatus maps domain errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, sandbox.ErrNoCheckpoint):
		return http.StatusNotFound, "NO_CHECKPOINT"
	case errors.Is(err, sandbox.ErrUnitNotFound):
		return http.StatusNotFound, "UNIT_NOT_FOUND"
	case errors.Is(err, sandbox.ErrNoShadow):
		return http.StatusConflict, "NO_SHADOW"
	case errors.Is(err, sandbox.ErrStaleCheckpoint):
		return http.StatusConflict, "STALE_CHECKPOINT"
	case errors.Is(err, sandbox.ErrShadowActive):
		return http.StatusConflict, "SHADOW_ACTIVE"
	case errors.Is(err, sandbox.ErrUnitExists):
		return http.StatusConflict, "UNIT_EXISTS"
	case errors.Is(err, sandbox.ErrState):
		return http.StatusConflict, "STATE_ERROR"
	case errors.Is(err, division.ErrInvalidRatio):
		return http.StatusBadRequest, "INVALID_RATIO"
	case errors.Is(err, division.ErrConservationViolation):
		return http.StatusUnprocessableEntity, "CONSERVATION_VIOLATION"
	case errors.Is(err, unit.ErrInvalidUnit):
		return http.StatusBadRequest, "INVALID_UNIT"
	case errors.Is(err, ErrInvalidNamespace):
		return http.StatusBadRequest, "INVALID_NAMESPACE"
	case errors.Is(err, sandbox.ErrInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, risk.ErrUnknownProfile):
		return http.StatusNotFound, "UNKNOWN_PROFILE"
	case errors.Is(err, risk.ErrInvalidProfile):
		return http.StatusBadRequest, "INVALID_PROFILE"
	case errors.Is(err, sandbox.ErrClosed), errors.Is(err, ErrServiceClosed), errors.Is(err, ledger.ErrClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("code", code), slog.String("error", err.Error()))
	} else {
		logger.Info("request rejected", slog.String("code", code), slog.String("error", err.Error()))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, logger *slog.Logger, err error) {
	logger.Warn("Invalid request body", "error", err)
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: fmt.Sprintf("Invalid request body: %v", err),
		Code:  "INVALID_REQUEST",
	})
}

// -----------------------------------------------------------------------------
// Pipeline operations
// -----------------------------------------------------------------------------

// HandleTrial handles POST /v1/pipelines/:namespace/trials.
//
// # Description
//
// Runs the candidate against a shadow copy of the namespace's accepted
// state. A failed trial is still a 200: the result carries the failed
// validations and a recommendation.
//
// # Request Body
//
//	TrialRequest
//
// # Response
//
//	200 OK: sandbox.TrialResult
//	400 Bad Request: INVALID_REQUEST, INVALID_UNIT, INVALID_INPUT
//	409 Conflict: UNIT_EXISTS
//	429 Too Many Requests: RATE_LIMITED
func (h *Handlers) HandleTrial(c *gin.Context) {
	logger := h.requestLogger(c, "HandleTrial")

	var req TrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	p, err := h.svc.Pipeline(c.Request.Context(), c.Param("namespace"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}

	logger.Info("Running trial", "unit_id", req.Unit.ID)
	result, err := p.Trial(c.Request.Context(), req.Unit, sandbox.TrialOptions{
		Timeout: time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// unitOperation runs commit, revert or retire for the :id path parameter.
func (h *Handlers) unitOperation(c *gin.Context, name string, op func(p *sandbox.Pipeline, unitID string) error) {
	logger := h.requestLogger(c, name)
	unitID := c.Param("id")

	p, err := h.svc.Pipeline(c.Request.Context(), c.Param("namespace"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if err := op(p, unitID); err != nil {
		h.fail(c, logger.With("unit_id", unitID), err)
		return
	}
	c.JSON(http.StatusOK, OKResponse{
		OK:        true,
		Namespace: p.Namespace(),
		UnitID:    unitID,
		Version:   p.Canonical().Version(),
	})
}

// HandleCommit handles POST /v1/pipelines/:namespace/units/:id/commit.
//
// # Response
//
//	200 OK: OKResponse
//	404 Not Found: NO_CHECKPOINT
//	409 Conflict: NO_SHADOW, STALE_CHECKPOINT
func (h *Handlers) HandleCommit(c *gin.Context) {
	h.unitOperation(c, "HandleCommit", func(p *sandbox.Pipeline, id string) error {
		return p.Commit(c.Request.Context(), id)
	})
}

// HandleRevert handles POST /v1/pipelines/:namespace/units/:id/revert.
// Reverting a unit with nothing pending succeeds without effect.
func (h *Handlers) HandleRevert(c *gin.Context) {
	h.unitOperation(c, "HandleRevert", func(p *sandbox.Pipeline, id string) error {
		return p.Revert(c.Request.Context(), id)
	})
}

// HandleRetire handles POST /v1/pipelines/:namespace/units/:id/retire.
func (h *Handlers) HandleRetire(c *gin.Context) {
	h.unitOperation(c, "HandleRetire", func(p *sandbox.Pipeline, id string) error {
		return p.Retire(c.Request.Context(), id)
	})
}

// HandleDivide handles POST /v1/pipelines/:namespace/divisions.
//
// # Request Body
//
//	DivideRequest
//
// # Response
//
//	200 OK: division.Record
//	400 Bad Request: INVALID_RATIO
//	404 Not Found: UNIT_NOT_FOUND
//	409 Conflict: SHADOW_ACTIVE
//	422 Unprocessable Entity: CONSERVATION_VIOLATION
func (h *Handlers) HandleDivide(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDivide")

	var req DivideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	p, err := h.svc.Pipeline(c.Request.Context(), c.Param("namespace"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	rec, err := p.Divide(c.Request.Context(), req.UnitID, req.SplitRatio)
	if err != nil {
		h.fail(c, logger.With("unit_id", req.UnitID), err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// HandleStatus handles GET /v1/pipelines/:namespace/status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	logger := h.requestLogger(c, "HandleStatus")
	p, err := h.svc.Pipeline(c.Request.Context(), c.Param("namespace"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, p.Status())
}

// HandleUnits handles GET /v1/pipelines/:namespace/units.
func (h *Handlers) HandleUnits(c *gin.Context) {
	logger := h.requestLogger(c, "HandleUnits")
	p, err := h.svc.Pipeline(c.Request.Context(), c.Param("namespace"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	snap := p.Canonical()
	c.JSON(http.StatusOK, UnitsResponse{Namespace: p.Namespace(), Version: snap.Version(), Units: snap.Units()})
}

// HandleListPipelines handles GET /v1/pipelines.
func (h *Handlers) HandleListPipelines(c *gin.Context) {
	c.JSON(http.StatusOK, NamespacesResponse{Namespaces: h.svc.Namespaces()})
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

// parseFilter reads type, unit_id, namespace, since, until and field.<key>
// query parameters.
func parseFilter(c *gin.Context) (ledger.Filter, error) {
	f := ledger.Filter{
		Type:      c.Query("type"),
		UnitID:    c.Query("unit_id"),
		Namespace: c.Query("namespace"),
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := c.Query(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%s: %w", name, err)
			}
			*dst = t
		}
	}
	for key, values := range c.Request.URL.Query() {
		field, ok := strings.CutPrefix(key, "field.")
		if !ok || field == "" || len(values) == 0 {
			continue
		}
		if f.Fields == nil {
			f.Fields = make(map[string]string)
		}
		f.Fields[field] = values[0]
	}
	return f, nil
}

// HandleLedgerQuery handles GET /v1/ledger.
//
// # Query Parameters
//
//	type, unit_id, namespace: exact matches
//	since, until: RFC 3339 bounds on the event timestamp
//	field.<name>: payload field match, e.g. field.reason=user
//	limit: keep only the newest N matches
//
// # Response
//
//	200 OK: LedgerResponse, events ascending by timestamp
func (h *Handlers) HandleLedgerQuery(c *gin.Context) {
	logger := h.requestLogger(c, "HandleLedgerQuery")

	f, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_QUERY"})
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer", Code: "INVALID_QUERY"})
			return
		}
	}

	events, err := h.svc.Ledger().Query(c.Request.Context(), f)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	c.JSON(http.StatusOK, LedgerResponse{Events: events, Count: len(events)})
}

// -----------------------------------------------------------------------------
// Risk profiles
// -----------------------------------------------------------------------------

// HandleGetProfile handles GET /v1/risk/profiles/:capability.
func (h *Handlers) HandleGetProfile(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetProfile")
	rc := h.svc.Risk()
	if rc == nil {
		h.fail(c, logger, ErrServiceClosed)
		return
	}
	p, ok := rc.Profile(c.Param("capability"))
	if !ok {
		h.fail(c, logger, fmt.Errorf("%w: %s", risk.ErrUnknownProfile, c.Param("capability")))
		return
	}
	c.JSON(http.StatusOK, p)
}

// HandleUpdateProfile handles PATCH /v1/risk/profiles/:capability.
//
// # Description
//
// Updates a capability's profile and, optionally, mitigation effectiveness
// weights. Later trials are assessed against the new values.
func (h *Handlers) HandleUpdateProfile(c *gin.Context) {
	logger := h.requestLogger(c, "HandleUpdateProfile")
	rc := h.svc.Risk()
	if rc == nil {
		h.fail(c, logger, ErrServiceClosed)
		return
	}

	var req ProfileUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, err)
		return
	}
	capability := c.Param("capability")
	if err := rc.UpdateProfile(capability, req.toUpdate()); err != nil {
		h.fail(c, logger, err)
		return
	}
	for mitigation, eff := range req.Effectiveness {
		if err := rc.SetEffectiveness(mitigation, eff); err != nil {
			h.fail(c, logger, err)
			return
		}
	}
	p, _ := rc.Profile(capability)
	logger.Info("risk profile updated", "capability", capability)
	c.JSON(http.StatusOK, p)
}

// HandleAssess handles POST /v1/risk/assess with a unit body. It runs the
// risk classifier alone, without a trial.
func (h *Handlers) HandleAssess(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAssess")
	rc := h.svc.Risk()
	if rc == nil {
		h.fail(c, logger, ErrServiceClosed)
		return
	}
	var u unit.Unit
	if err := c.ShouldBindJSON(&u); err != nil {
		badRequest(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, rc.Assess(&u))
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HandleHealth handles GET /v1/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:     "healthy",
		Version:    ServiceVersion,
		Namespaces: len(h.svc.Namespaces()),
		LedgerSeq:  h.svc.Ledger().LastSeq(),
	})
}
