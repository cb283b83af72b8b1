package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/reporting"
)

type ReportingHandler struct {
	service *reporting.Service
	logger  *zap.Logger
}

func NewReportingHandler(service *reporting.Service, logger *zap.Logger) *ReportingHandler {
	return &ReportingHandler{service: service, logger: logger}
}

type relationshipResponse struct {
	ID               string  `json:"id"`
	ReporterID       string  `json:"reporterId"`
	ManagerID        string  `json:"managerId"`
	RelationshipType string  `json:"relationshipType"`
	IsPrimary        bool    `json:"isPrimary"`
	StartDate        string  `json:"startDate"`
	EndDate          *string `json:"endDate,omitempty"`
	Notes            string  `json:"notes,omitempty"`
}

func (h *ReportingHandler) Add(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req reporting.AddRelationshipInput
	if !bindJSON(c, &req) {
		return
	}

	rel, err := h.service.AddRelationship(c.Request.Context(), actor, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, toRelationshipResponse(rel))
}

// List filters by ?reporterId when given.
func (h *ReportingHandler) List(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	reporterID, ok := queryID(c, "reporterId")
	if !ok {
		return
	}

	rels, err := h.service.ListRelationships(c.Request.Context(), actor, reporterID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	response := make([]relationshipResponse, 0, len(rels))
	for i := range rels {
		response = append(response, toRelationshipResponse(&rels[i]))
	}
	c.JSON(http.StatusOK, gin.H{"relationships": response})
}

func (h *ReportingHandler) Remove(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.service.RemoveRelationship(c.Request.Context(), actor, id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ReportingHandler) SetPrimary(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	rel, err := h.service.SetPrimary(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toRelationshipResponse(rel))
}

func (h *ReportingHandler) PrimaryManager(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}

	manager, err := h.service.PrimaryManager(c.Request.Context(), actor, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID.String(), "managerId": uuidString(manager)})
}

// OrgChart starts at ?rootId, or at every top-level manager.
func (h *ReportingHandler) OrgChart(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	rootID, ok := queryID(c, "rootId")
	if !ok {
		return
	}

	chart, err := h.service.ComputeOrgChart(c.Request.Context(), actor, rootID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if chart == nil {
		chart = []*reporting.ChartNode{}
	}
	c.JSON(http.StatusOK, gin.H{"roots": chart})
}

func toRelationshipResponse(rel *model.ReportingRelationship) relationshipResponse {
	return relationshipResponse{
		ID:               rel.ID.String(),
		ReporterID:       rel.ReporterID.String(),
		ManagerID:        rel.ManagerID.String(),
		RelationshipType: string(rel.RelationshipType),
		IsPrimary:        rel.IsPrimary,
		StartDate:        rel.StartDate.UTC().Format(timeRFC3339Nano),
		EndDate:          formatTime(rel.EndDate),
		Notes:            rel.Notes,
	}
}
