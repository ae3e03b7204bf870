package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/envrun/pkg/engine"
)

type startCascadeRequest struct {
	Operation   engine.CascadeOperation `json:"operation" binding:"required"`
	AutoConfirm bool                    `json:"auto_confirm"`
}

type startModuleRunRequest struct {
	Operation     engine.Operation `json:"operation" binding:"required"`
	ModuleVersion string           `json:"module_version"`
	AutoConfirm   bool             `json:"auto_confirm"`
}

// moduleRunResponse exposes the callback token to the caller that started the run.
type moduleRunResponse struct {
	*engine.ModuleRun
	CallbackToken string `json:"callback_token"`
}

func (s *Server) startCascade(c *gin.Context) {
	var req startCascadeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	run, err := s.engine.Cascades.StartCascade(c.Request.Context(), engine.StartCascadeRequest{
		EnvironmentID: c.Param("env"),
		Operation:     req.Operation,
		AutoConfirm:   req.AutoConfirm,
		TriggerSource: engine.TriggerAPI,
		Actor:         actorFrom(c),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (s *Server) listEnvironmentRuns(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	runs, err := s.engine.Cascades.ListEnvironmentRuns(c.Request.Context(), c.Param("env"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) getEnvironmentRun(c *gin.Context) {
	run, err := s.engine.Cascades.GetEnvironmentRun(c.Request.Context(), c.Param("run"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) cancelEnvironmentRun(c *gin.Context) {
	run, err := s.engine.Cascades.Cancel(c.Request.Context(), c.Param("run"), actorFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (s *Server) listCascadeModuleRuns(c *gin.Context) {
	runs, err := s.engine.Cascades.ListModuleRuns(c.Request.Context(), c.Param("run"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) startModuleRun(c *gin.Context) {
	var req startModuleRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	run, err := s.engine.Runs.StartModuleRun(c.Request.Context(), engine.StartRunRequest{
		EnvironmentID: c.Param("env"),
		ModuleID:      c.Param("mod"),
		Operation:     req.Operation,
		ModuleVersion: req.ModuleVersion,
		AutoConfirm:   req.AutoConfirm,
		TriggerSource: engine.TriggerAPI,
		Actor:         actorFrom(c),
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, moduleRunResponse{ModuleRun: run, CallbackToken: run.CallbackToken})
}

func (s *Server) getModuleRun(c *gin.Context) {
	run, err := s.engine.Runs.GetModuleRun(c.Request.Context(), c.Param("run"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) confirmModuleRun(c *gin.Context) {
	s.decide(c, s.engine.Runs.Confirm)
}

func (s *Server) discardModuleRun(c *gin.Context) {
	s.decide(c, s.engine.Runs.Discard)
}

func (s *Server) cancelModuleRun(c *gin.Context) {
	s.decide(c, s.engine.Runs.Cancel)
}

type runDecision func(ctx context.Context, runID string, actor engine.Actor) (*engine.ModuleRun, error)

func (s *Server) decide(c *gin.Context, fn runDecision) {
	run, err := fn(c.Request.Context(), c.Param("run"), actorFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) listLogs(c *gin.Context) {
	after, ok := intQuery(c, "after", 0)
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	lines, err := s.engine.Runs.ListLogs(c.Request.Context(), c.Param("run"), int64(after), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lines)
}

func intQuery(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
