package api

import (
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"blindscan/scanner"
)

// Server bundles dependencies for HTTP handlers.
type Server struct {
	store TaskStore
}

// NewServer creates a new API server instance.
func NewServer(store TaskStore) *Server {
	return &Server{store: store}
}

// RegisterRoutes attaches handlers to the provided router group.
func (s *Server) RegisterRoutes(router gin.IRoutes) {
	router.POST("/scans", s.createScanHandler)
	router.GET("/scans/:id", s.getScanHandler)
}

var uuidV4Pattern = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-4[a-fA-F0-9]{3}-[abAB89][a-fA-F0-9]{3}-[a-fA-F0-9]{12}$`)

// createScanHandler godoc
// @Summary Create a new idle scan task
// @Description Validates the zombie, targets and port expression, queues the scan and returns a task ID.
// @Tags Scans
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param scanRequest body CreateScanRequest true "Scan request"
// @Success 202 {object} ScanAcceptedResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /scans [post]
func (s *Server) createScanHandler(c *gin.Context) {
	var req CreateScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if err := scanner.ValidateZombie(req.Zombie); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	hosts := cleanHosts(req.Hosts)
	if len(hosts) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "at least one target host is required"})
		return
	}
	if _, err := scanner.ParsePortSpec(req.Ports); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	taskID, err := generateUUID()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to generate task id"})
		return
	}

	ctx := c.Request.Context()
	task := &ScanTask{
		ID:        taskID,
		Status:    StatusPending,
		Zombie:    req.Zombie,
		Hosts:     hosts,
		Ports:     req.Ports,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to persist task"})
		return
	}

	if err := s.store.PushToQueue(ctx, task.ID); err != nil {
		task.Status = StatusFailed
		task.Error = "failed to queue task"
		now := time.Now().UTC()
		task.CompletedAt = &now
		_ = s.store.UpdateTask(ctx, task)

		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to queue task"})
		return
	}

	c.JSON(http.StatusAccepted, ScanAcceptedResponse{ID: task.ID, Status: task.Status})
}

// getScanHandler godoc
// @Summary Get an idle scan task
// @Description Returns the task state and, once completed, one verdict per host and port.
// @Tags Scans
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "Task ID"
// @Success 200 {object} ScanTask
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /scans/{id} [get]
func (s *Server) getScanHandler(c *gin.Context) {
	id := c.Param("id")
	if !uuidV4Pattern.MatchString(id) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid task id"})
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load task"})
		return
	}

	c.JSON(http.StatusOK, task)
}
