package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/envrun/pkg/engine"
)

type createEnvironmentRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name" binding:"required"`
	TeamID string `json:"team_id"`
}

type lockRequest struct {
	Reason string `json:"reason"`
}

type addModuleRequest struct {
	ID                string               `json:"id" binding:"required"`
	Name              string               `json:"name"`
	ArtifactNamespace string               `json:"artifact_namespace"`
	ArtifactName      string               `json:"artifact_name" binding:"required"`
	Version           string               `json:"version" binding:"required"`
	PinnedVersion     string               `json:"pinned_version"`
	ExecutionMode     engine.ExecutionMode `json:"execution_mode"`
	WorkingDir        string               `json:"working_dir"`
	BackendConfig     map[string]string    `json:"backend_config"`
}

type updateVersionRequest struct {
	Version  string `json:"version" binding:"required"`
	AutoPlan bool   `json:"auto_plan"`
}

type updateVersionResponse struct {
	Module *engine.EnvironmentModule `json:"module"`
	Run    *engine.ModuleRun         `json:"run,omitempty"`
}

type dependencyRequest struct {
	ModuleID       string                 `json:"module_id" binding:"required"`
	DependsOnID    string                 `json:"depends_on_id" binding:"required"`
	OutputMappings []engine.OutputMapping `json:"output_mappings"`
}

type bindingRequest struct {
	SourceID string `json:"source_id" binding:"required"`
	ModuleID string `json:"module_id"`
	Priority int    `json:"priority"`
}

type moduleVariableRequest struct {
	Key       string                  `json:"key" binding:"required"`
	Value     string                  `json:"value"`
	Category  engine.VariableCategory `json:"category"`
	Sensitive bool                    `json:"sensitive"`
}

func (s *Server) listEnvironments(c *gin.Context) {
	envs, err := s.engine.Environments.ListEnvironments(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, envs)
}

func (s *Server) createEnvironment(c *gin.Context) {
	var req createEnvironmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	teamID := req.TeamID
	if teamID == "" {
		teamID = actorFrom(c).TeamID
	}
	env, err := s.engine.Environments.CreateEnvironment(c.Request.Context(), &engine.Environment{
		ID:     req.ID,
		Name:   req.Name,
		TeamID: teamID,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, env)
}

func (s *Server) getEnvironment(c *gin.Context) {
	env, err := s.engine.Environments.GetEnvironment(c.Request.Context(), c.Param("env"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (s *Server) deleteEnvironment(c *gin.Context) {
	if err := s.engine.Environments.DeleteEnvironment(c.Request.Context(), c.Param("env")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) lockEnvironment(c *gin.Context) {
	var req lockRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	env, err := s.engine.Locks.LockEnvironment(c.Request.Context(), c.Param("env"), actorFrom(c), req.Reason)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (s *Server) unlockEnvironment(c *gin.Context) {
	env, err := s.engine.Locks.UnlockEnvironment(c.Request.Context(), c.Param("env"), actorFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (s *Server) getGraph(c *gin.Context) {
	view, err := s.engine.Environments.GraphView(c.Request.Context(), c.Param("env"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) listModules(c *gin.Context) {
	modules, err := s.engine.Environments.ListModules(c.Request.Context(), c.Param("env"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, modules)
}

func (s *Server) addModule(c *gin.Context) {
	var req addModuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	module, err := s.engine.Environments.AddModule(c.Request.Context(), &engine.EnvironmentModule{
		ID:                req.ID,
		EnvironmentID:     c.Param("env"),
		Name:              req.Name,
		ArtifactNamespace: req.ArtifactNamespace,
		ArtifactName:      req.ArtifactName,
		CurrentVersion:    req.Version,
		PinnedVersion:     req.PinnedVersion,
		ExecutionMode:     req.ExecutionMode,
		WorkingDir:        req.WorkingDir,
		BackendConfig:     req.BackendConfig,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, module)
}

func (s *Server) getModule(c *gin.Context) {
	module, err := s.engine.Environments.GetModule(c.Request.Context(), c.Param("env"), c.Param("mod"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, module)
}

func (s *Server) removeModule(c *gin.Context) {
	if err := s.engine.Environments.RemoveModule(c.Request.Context(), c.Param("env"), c.Param("mod")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) updateModuleVersion(c *gin.Context) {
	var req updateVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	module, run, err := s.engine.Environments.UpdateModuleVersion(
		c.Request.Context(), c.Param("env"), c.Param("mod"), req.Version, req.AutoPlan, actorFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updateVersionResponse{Module: module, Run: run})
}

func (s *Server) forceUnlock(c *gin.Context) {
	var req lockRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	holder, err := s.engine.Locks.ForceUnlock(c.Request.Context(), c.Param("env"), c.Param("mod"), actorFrom(c), req.Reason)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"previous_holder": holder})
}

func (s *Server) resolvedVars(c *gin.Context) {
	vars, err := s.engine.Variables.Resolve(c.Request.Context(), c.Param("env"), c.Param("mod"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, vars)
}

func (s *Server) setModuleVariable(c *gin.Context) {
	var req moduleVariableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	v, err := s.engine.Environments.SetModuleVariable(c.Request.Context(), &engine.ModuleVariable{
		EnvironmentID: c.Param("env"),
		ModuleID:      c.Param("mod"),
		Key:           req.Key,
		Value:         req.Value,
		Category:      req.Category,
		Sensitive:     req.Sensitive,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	if v.Sensitive {
		redacted := *v
		redacted.Value = ""
		v = &redacted
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) listDependencies(c *gin.Context) {
	deps, err := s.engine.Environments.ListDependencies(c.Request.Context(), c.Param("env"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deps)
}

func (s *Server) addDependency(c *gin.Context) {
	var req dependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	dep := &engine.ModuleDependency{
		EnvironmentID:  c.Param("env"),
		ModuleID:       req.ModuleID,
		DependsOnID:    req.DependsOnID,
		OutputMappings: req.OutputMappings,
	}
	if err := s.engine.Environments.AddDependency(c.Request.Context(), dep); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dep)
}

func (s *Server) removeDependency(c *gin.Context) {
	var req dependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.engine.Environments.RemoveDependency(c.Request.Context(), c.Param("env"), req.ModuleID, req.DependsOnID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) createVariableSource(c *gin.Context) {
	var source engine.VariableSource
	if err := c.ShouldBindJSON(&source); err != nil {
		badRequest(c, err.Error())
		return
	}
	if source.TeamID == "" {
		source.TeamID = actorFrom(c).TeamID
	}
	created, err := s.engine.Environments.CreateVariableSource(c.Request.Context(), &source)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": created.ID, "name": created.Name, "kind": created.Kind})
}

func (s *Server) bindSource(c *gin.Context) {
	var req bindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	binding, err := s.engine.Environments.BindSource(c.Request.Context(), &engine.VariableBinding{
		EnvironmentID: c.Param("env"),
		ModuleID:      req.ModuleID,
		SourceID:      req.SourceID,
		Priority:      req.Priority,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, binding)
}
