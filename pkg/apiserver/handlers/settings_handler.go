package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/policy"
	"github.com/flowforge/goalalign/pkg/rollup"
)

type SettingsHandler struct {
	service *policy.Service
	rollup  *rollup.Engine
	logger  *zap.Logger
}

func NewSettingsHandler(service *policy.Service, engine *rollup.Engine, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{service: service, rollup: engine, logger: logger}
}

type settingsResponse struct {
	Enabled                       bool    `json:"enabled"`
	CascadeType                   string  `json:"cascadeType"`
	MaxGoalLevels                 int     `json:"maxGoalLevels"`
	AlignmentRequired             bool    `json:"alignmentRequired"`
	WeightingEnabled              bool    `json:"weightingEnabled"`
	AutoProgressRollup            bool    `json:"autoProgressRollup"`
	AllowMatrixReporting          bool    `json:"allowMatrixReporting"`
	RequireDepartmentForEmployees bool    `json:"requireDepartmentForEmployees"`
	RequireTeamForEmployees       bool    `json:"requireTeamForEmployees"`
	Version                       int64   `json:"version"`
	UpdatedBy                     *string `json:"updatedBy,omitempty"`
}

func (h *SettingsHandler) Get(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	settings, err := h.service.Get(c.Request.Context(), actor.OrganizationID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toSettingsResponse(settings))
}

func (h *SettingsHandler) Update(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req policy.SettingsPatch
	if !bindJSON(c, &req) {
		return
	}

	settings, err := h.service.UpdateSettings(c.Request.Context(), actor, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toSettingsResponse(settings))
}

// Reconcile recomputes every aggregate goal of the caller's organization.
func (h *SettingsHandler) Reconcile(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	if err := actor.RequireAdmin("reconciling goal progress"); err != nil {
		respondError(c, h.logger, err)
		return
	}

	corrected, err := h.rollup.Reconcile(c.Request.Context(), actor.OrganizationID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"corrected": corrected})
}

func toSettingsResponse(settings *model.AlignmentSettings) settingsResponse {
	return settingsResponse{
		Enabled:                       settings.Enabled,
		CascadeType:                   string(settings.CascadeType),
		MaxGoalLevels:                 settings.MaxGoalLevels,
		AlignmentRequired:             settings.AlignmentRequired,
		WeightingEnabled:              settings.WeightingEnabled,
		AutoProgressRollup:            settings.AutoProgressRollup,
		AllowMatrixReporting:          settings.AllowMatrixReporting,
		RequireDepartmentForEmployees: settings.RequireDepartmentForEmployees,
		RequireTeamForEmployees:       settings.RequireTeamForEmployees,
		Version:                       settings.Version,
		UpdatedBy:                     uuidString(settings.UpdatedBy),
	}
}
