package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/apiserver/handlers"
	"github.com/flowforge/goalalign/pkg/apiserver/middleware"
	"github.com/flowforge/goalalign/pkg/auth"
	"github.com/flowforge/goalalign/pkg/engine"
)

type Server struct {
	router *gin.Engine
	engine *engine.Engine
	tokens *auth.TokenManager
	logger *zap.Logger
}

func NewServer(eng *engine.Engine, tokens *auth.TokenManager, logger *zap.Logger) *Server {
	s := &Server{
		engine: eng,
		tokens: tokens,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.Use(middleware.Auth(s.tokens))

		orgHandler := handlers.NewOrgHandler(s.engine.OrgUnits, s.logger)
		api.POST("/departments", orgHandler.CreateDepartment)
		api.GET("/departments", orgHandler.ListDepartments)
		api.GET("/departments/tree", orgHandler.DepartmentTree)
		api.PUT("/departments/:id/parent", orgHandler.MoveDepartment)
		api.POST("/departments/:id/archive", orgHandler.ArchiveDepartment)
		api.DELETE("/departments/:id", orgHandler.DeleteDepartment)
		api.POST("/teams", orgHandler.CreateTeam)
		api.GET("/teams", orgHandler.ListTeams)
		api.POST("/teams/:id/members", orgHandler.AddTeamMember)
		api.DELETE("/teams/:id/members/:userId", orgHandler.RemoveTeamMember)
		api.POST("/teams/:id/archive", orgHandler.ArchiveTeam)

		reportingHandler := handlers.NewReportingHandler(s.engine.Reporting, s.logger)
		api.POST("/relationships", reportingHandler.Add)
		api.GET("/relationships", reportingHandler.List)
		api.DELETE("/relationships/:id", reportingHandler.Remove)
		api.POST("/relationships/:id/primary", reportingHandler.SetPrimary)
		api.GET("/users/:id/manager", reportingHandler.PrimaryManager)
		api.GET("/org-chart", reportingHandler.OrgChart)

		goalHandler := handlers.NewGoalHandler(s.engine.Goals, s.logger)
		api.POST("/goals", goalHandler.Create)
		api.GET("/goals", goalHandler.List)
		api.GET("/goals/:id", goalHandler.Get)
		api.DELETE("/goals/:id", goalHandler.Delete)
		api.POST("/goals/:id/cascade", goalHandler.Cascade)
		api.PATCH("/goals/:id/progress", goalHandler.UpdateProgress)
		api.PUT("/goals/:id/parent", goalHandler.SetParent)
		api.PUT("/goals/:id/weight", goalHandler.SetWeight)
		api.GET("/goals/:id/ancestors", goalHandler.Ancestors)
		api.GET("/goals/:id/tree", goalHandler.Tree)

		settingsHandler := handlers.NewSettingsHandler(s.engine.Policy, s.engine.Rollup, s.logger)
		api.GET("/settings", settingsHandler.Get)
		api.PATCH("/settings", settingsHandler.Update)
		api.POST("/settings/reconcile", settingsHandler.Reconcile)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
