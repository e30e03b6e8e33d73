package dashboard

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/session"
	"github.com/zulandar/switchboard/internal/switchboard"
	"gorm.io/gorm"
)

type api struct {
	store   *session.Store
	runner  Runner
	db      *gorm.DB
	groupID string
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, a *api) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Sessions.
	router.GET("/api/sessions", a.handleSessionList)
	router.POST("/api/sessions", a.handleSessionCreate)
	router.GET("/api/sessions/:id", a.handleSessionDetail)
	router.DELETE("/api/sessions/:id", a.handleSessionDelete)
	router.POST("/api/sessions/:id/messages", a.handleSend)
	router.POST("/api/messages", a.handleSend)

	// Runs.
	router.GET("/api/runs", a.handleRunList)
	router.GET("/api/runs/active", a.handleActiveRuns)
	router.GET("/api/runs/:id", a.handleRunDetail)
	router.POST("/api/runs/:id/abort", a.handleAbort)

	router.GET("/api/events", handleSSE(a))
}

func (a *api) handleSessionList(c *gin.Context) {
	c.JSON(http.StatusOK, SessionList(a.db, a.store.List(), a.store.Current()))
}

func (a *api) handleSessionCreate(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	sess, err := a.store.Create(req.Title)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (a *api) handleSessionDetail(c *gin.Context) {
	sess, ok := a.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *api) handleSessionDelete(c *gin.Context) {
	if err := a.runner.DeleteSession(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) handleSend(c *gin.Context) {
	var req struct {
		Text      string `json:"text" binding:"required"`
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID := req.SessionID
	if id := c.Param("id"); id != "" {
		sessionID = id
	}

	runID, err := a.runner.Send(c.Request.Context(), req.Text, sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"run_id": runID}
	if sid, ok := a.store.RunSession(runID); ok {
		resp["session_id"] = sid
	}
	c.JSON(http.StatusAccepted, resp)
}

func (a *api) handleAbort(c *gin.Context) {
	if err := a.runner.Abort(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) handleActiveRuns(c *gin.Context) {
	c.JSON(http.StatusOK, a.runner.ActiveRuns())
}

func (a *api) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := RunList(a.db, db.RunFilter{
		GroupID:   a.groupID,
		SessionID: c.Query("session"),
		Status:    c.Query("status"),
		Limit:     limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (a *api) handleRunDetail(c *gin.Context) {
	if a.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history is not enabled"})
		return
	}
	detail, err := GetRunDetail(a.db, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// writeError maps domain errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, switchboard.ErrUnknownRun),
		errors.Is(err, gorm.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, switchboard.ErrSessionBusy):
		status = http.StatusConflict
	case errors.Is(err, switchboard.ErrTooManyRuns):
		status = http.StatusTooManyRequests
	case errors.Is(err, switchboard.ErrEmptyPrompt):
		status = http.StatusBadRequest
	case errors.Is(err, switchboard.ErrClosed), errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
