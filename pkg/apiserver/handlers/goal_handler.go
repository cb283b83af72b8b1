package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/alignment"
	"github.com/flowforge/goalalign/pkg/apperr"
	"github.com/flowforge/goalalign/pkg/model"
)

type GoalHandler struct {
	service *alignment.Service
	logger  *zap.Logger
}

func NewGoalHandler(service *alignment.Service, logger *zap.Logger) *GoalHandler {
	return &GoalHandler{service: service, logger: logger}
}

type setParentRequest struct {
	ParentGoalID *uuid.UUID `json:"parentGoalId"`
}

type setWeightRequest struct {
	ContributionWeight *int `json:"contributionWeight"`
}

type goalResponse struct {
	ID                 string  `json:"id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	Progress           int     `json:"progress"`
	Status             string  `json:"status"`
	Priority           string  `json:"priority"`
	OwnerID            string  `json:"ownerId"`
	ParentGoalID       *string `json:"parentGoalId,omitempty"`
	ContributionWeight *int    `json:"contributionWeight,omitempty"`
	DepartmentID       *string `json:"departmentId,omitempty"`
	TeamID             *string `json:"teamId,omitempty"`
	DueDate            *string `json:"dueDate,omitempty"`
	Version            int64   `json:"version"`
	ArchivedAt         *string `json:"archivedAt,omitempty"`
	CreatedAt          string  `json:"createdAt"`
	UpdatedAt          string  `json:"updatedAt"`
}

type treeResponse struct {
	Goal     goalResponse   `json:"goal"`
	Depth    int            `json:"depth"`
	Level    string         `json:"level"`
	Children []treeResponse `json:"children"`
}

func (h *GoalHandler) Create(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req alignment.CreateGoalInput
	if !bindJSON(c, &req) {
		return
	}

	goal, err := h.service.CreateGoal(c.Request.Context(), actor, req)
	h.respondGoal(c, http.StatusCreated, goal, err)
}

// Cascade creates a child of the goal in the path.
func (h *GoalHandler) Cascade(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	parentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req alignment.CreateGoalInput
	if !bindJSON(c, &req) {
		return
	}

	goal, err := h.service.CascadeGoal(c.Request.Context(), actor, parentID, req)
	h.respondGoal(c, http.StatusCreated, goal, err)
}

func (h *GoalHandler) List(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	goals, err := h.service.ListGoals(c.Request.Context(), actor)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	response := make([]goalResponse, 0, len(goals))
	for i := range goals {
		response = append(response, toGoalResponse(&goals[i]))
	}
	c.JSON(http.StatusOK, gin.H{"goals": response})
}

func (h *GoalHandler) Get(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	goal, err := h.service.GetGoal(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	level, err := h.service.GoalLevel(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"goal": toGoalResponse(goal), "level": level})
}

func (h *GoalHandler) UpdateProgress(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req alignment.ProgressUpdate
	if !bindJSON(c, &req) {
		return
	}

	goal, err := h.service.UpdateGoalProgress(c.Request.Context(), actor, id, req)
	h.respondGoal(c, http.StatusOK, goal, err)
}

func (h *GoalHandler) SetParent(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req setParentRequest
	if !bindJSON(c, &req) {
		return
	}

	goal, err := h.service.SetParentGoal(c.Request.Context(), actor, id, req.ParentGoalID)
	h.respondGoal(c, http.StatusOK, goal, err)
}

func (h *GoalHandler) SetWeight(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req setWeightRequest
	if !bindJSON(c, &req) {
		return
	}

	goal, err := h.service.SetContributionWeight(c.Request.Context(), actor, id, req.ContributionWeight)
	h.respondGoal(c, http.StatusOK, goal, err)
}

func (h *GoalHandler) Delete(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	archived, err := h.service.DeleteGoal(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id.String(), "archived": archived})
}

func (h *GoalHandler) Ancestors(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	chain, err := h.service.GetAncestorChain(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	ids := make([]string, 0, len(chain))
	for _, ancestor := range chain {
		ids = append(ids, ancestor.String())
	}
	c.JSON(http.StatusOK, gin.H{"ancestors": ids, "level": model.LevelForDepth(len(chain))})
}

func (h *GoalHandler) Tree(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	tree, err := h.service.GetAlignmentTree(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toTreeResponse(tree))
}

// respondGoal answers 409 with the saved goal when only the rollup behind the
// write lost its race.
func (h *GoalHandler) respondGoal(c *gin.Context, status int, goal *model.Goal, err error) {
	if err != nil {
		if goal != nil && errors.Is(err, apperr.ErrRollupConflict) {
			c.JSON(http.StatusConflict, gin.H{
				"error": err.Error(),
				"code":  apperr.KindRollupConflict,
				"goal":  toGoalResponse(goal),
			})
			return
		}
		respondError(c, h.logger, err)
		return
	}
	c.JSON(status, toGoalResponse(goal))
}

func toGoalResponse(goal *model.Goal) goalResponse {
	return goalResponse{
		ID:                 goal.ID.String(),
		Title:              goal.Title,
		Description:        goal.Description,
		Progress:           goal.Progress,
		Status:             string(goal.Status),
		Priority:           string(goal.Priority),
		OwnerID:            goal.OwnerID.String(),
		ParentGoalID:       uuidString(goal.ParentGoalID),
		ContributionWeight: goal.ContributionWeight,
		DepartmentID:       uuidString(goal.DepartmentID),
		TeamID:             uuidString(goal.TeamID),
		DueDate:            formatTime(goal.DueDate),
		Version:            goal.Version,
		ArchivedAt:         formatTime(goal.ArchivedAt),
		CreatedAt:          goal.CreatedAt.UTC().Format(timeRFC3339Nano),
		UpdatedAt:          goal.UpdatedAt.UTC().Format(timeRFC3339Nano),
	}
}

func toTreeResponse(node *alignment.TreeNode) treeResponse {
	response := treeResponse{
		Goal:     toGoalResponse(&node.Goal),
		Depth:    node.Depth,
		Level:    string(node.Level),
		Children: make([]treeResponse, 0, len(node.Children)),
	}
	for _, child := range node.Children {
		response.Children = append(response.Children, toTreeResponse(child))
	}
	return response
}
