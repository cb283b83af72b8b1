package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/orgunit"
)

type OrgHandler struct {
	service *orgunit.Service
	logger  *zap.Logger
}

func NewOrgHandler(service *orgunit.Service, logger *zap.Logger) *OrgHandler {
	return &OrgHandler{service: service, logger: logger}
}

type moveDepartmentRequest struct {
	ParentDepartmentID *uuid.UUID `json:"parentDepartmentId"`
}

type teamMemberRequest struct {
	UserID uuid.UUID `json:"userId" binding:"required"`
}

type departmentResponse struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Code               *string `json:"code,omitempty"`
	ParentDepartmentID *string `json:"parentDepartmentId,omitempty"`
	Level              int     `json:"level"`
	Order              int     `json:"order"`
	Color              string  `json:"color,omitempty"`
	HeadID             *string `json:"headId,omitempty"`
	EmployeeCount      int     `json:"employeeCount"`
	Archived           bool    `json:"archived"`
	CreatedAt          string  `json:"createdAt"`
}

type departmentNodeResponse struct {
	departmentResponse
	Children []departmentNodeResponse `json:"children"`
}

type teamResponse struct {
	ID           string   `json:"id"`
	DepartmentID string   `json:"departmentId"`
	Name         string   `json:"name"`
	LeadID       *string  `json:"leadId,omitempty"`
	MemberIDs    []string `json:"memberIds"`
	MemberCount  int      `json:"memberCount"`
	Type         string   `json:"type"`
	Status       string   `json:"status"`
	CreatedAt    string   `json:"createdAt"`
}

func (h *OrgHandler) CreateDepartment(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req orgunit.CreateDepartmentInput
	if !bindJSON(c, &req) {
		return
	}

	department, err := h.service.CreateDepartment(c.Request.Context(), actor, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, toDepartmentResponse(department))
}

func (h *OrgHandler) ListDepartments(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	departments, err := h.service.ListDepartments(c.Request.Context(), actor)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	response := make([]departmentResponse, 0, len(departments))
	for i := range departments {
		response = append(response, toDepartmentResponse(&departments[i]))
	}
	c.JSON(http.StatusOK, gin.H{"departments": response})
}

func (h *OrgHandler) DepartmentTree(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	roots, err := h.service.GetDepartmentTree(c.Request.Context(), actor)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	response := make([]departmentNodeResponse, 0, len(roots))
	for _, root := range roots {
		response = append(response, toDepartmentNode(root))
	}
	c.JSON(http.StatusOK, gin.H{"departments": response})
}

func (h *OrgHandler) MoveDepartment(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req moveDepartmentRequest
	if !bindJSON(c, &req) {
		return
	}

	department, err := h.service.MoveDepartment(c.Request.Context(), actor, id, req.ParentDepartmentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toDepartmentResponse(department))
}

func (h *OrgHandler) ArchiveDepartment(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	department, err := h.service.ArchiveDepartment(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toDepartmentResponse(department))
}

// DeleteDepartment honours ?cascade=true.
func (h *OrgHandler) DeleteDepartment(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.service.DeleteDepartment(c.Request.Context(), actor, id, parseBool(c.Query("cascade"))); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *OrgHandler) CreateTeam(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req orgunit.CreateTeamInput
	if !bindJSON(c, &req) {
		return
	}

	team, err := h.service.CreateTeam(c.Request.Context(), actor, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, toTeamResponse(team))
}

func (h *OrgHandler) ListTeams(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	departmentID, ok := queryID(c, "departmentId")
	if !ok {
		return
	}

	teams, err := h.service.ListTeams(c.Request.Context(), actor, departmentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	response := make([]teamResponse, 0, len(teams))
	for i := range teams {
		response = append(response, toTeamResponse(&teams[i]))
	}
	c.JSON(http.StatusOK, gin.H{"teams": response})
}

func (h *OrgHandler) AddTeamMember(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	teamID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req teamMemberRequest
	if !bindJSON(c, &req) {
		return
	}

	team, err := h.service.AddTeamMember(c.Request.Context(), actor, teamID, req.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toTeamResponse(team))
}

func (h *OrgHandler) RemoveTeamMember(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	teamID, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID, ok := pathID(c, "userId")
	if !ok {
		return
	}

	team, err := h.service.RemoveTeamMember(c.Request.Context(), actor, teamID, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toTeamResponse(team))
}

func (h *OrgHandler) ArchiveTeam(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	teamID, ok := pathID(c, "id")
	if !ok {
		return
	}

	team, err := h.service.ArchiveTeam(c.Request.Context(), actor, teamID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toTeamResponse(team))
}

func toDepartmentResponse(department *model.Department) departmentResponse {
	return departmentResponse{
		ID:                 department.ID.String(),
		Name:               department.Name,
		Code:               department.Code,
		ParentDepartmentID: uuidString(department.ParentDepartmentID),
		Level:              department.Level,
		Order:              department.Order,
		Color:              department.Color,
		HeadID:             uuidString(department.HeadID),
		EmployeeCount:      department.EmployeeCount,
		Archived:           department.Archived(),
		CreatedAt:          department.CreatedAt.UTC().Format(timeRFC3339Nano),
	}
}

func toDepartmentNode(node *orgunit.DepartmentNode) departmentNodeResponse {
	response := departmentNodeResponse{
		departmentResponse: toDepartmentResponse(&node.Department),
		Children:           make([]departmentNodeResponse, 0, len(node.Children)),
	}
	for _, child := range node.Children {
		response.Children = append(response.Children, toDepartmentNode(child))
	}
	return response
}

func toTeamResponse(team *model.Team) teamResponse {
	members := make([]string, 0, len(team.MemberIDs))
	members = append(members, team.MemberIDs...)
	return teamResponse{
		ID:           team.ID.String(),
		DepartmentID: team.DepartmentID.String(),
		Name:         team.Name,
		LeadID:       uuidString(team.LeadID),
		MemberIDs:    members,
		MemberCount:  team.MemberCount(),
		Type:         string(team.Type),
		Status:       string(team.Status),
		CreatedAt:    team.CreatedAt.UTC().Format(timeRFC3339Nano),
	}
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	value := id.String()
	return &value
}
