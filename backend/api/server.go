package api

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andi/mediabatch/backend/database"
	"github.com/andi/mediabatch/backend/models"
	"github.com/andi/mediabatch/backend/scheduler"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	log "github.com/sirupsen/logrus"
)

// Server represents the HTTP API server
type Server struct {
	app       *fiber.App
	db        *database.DB
	scheduler *scheduler.Scheduler
	hub       *Hub
	validate  *validator.Validate
}

// New creates a new API server
func New(db *database.DB, sched *scheduler.Scheduler, hub *Hub, logDir string) *Server {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New())

	// access logs go to a file only, never the console
	accessLogPath := filepath.Join(logDir, "access.log")
	accessLogFile, err := os.OpenFile(accessLogPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Printf("Warning: Failed to open access log file: %v", err)
		app.Use(logger.New(logger.Config{Output: io.Discard}))
	} else {
		app.Use(logger.New(logger.Config{Output: accessLogFile}))
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	server := &Server{
		app:       app,
		db:        db,
		scheduler: sched,
		hub:       hub,
		validate:  validator.New(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	api := s.app.Group("/api")

	// Tasks
	api.Post("/tasks", s.submitTask)
	api.Get("/tasks", s.listTasks)
	api.Post("/tasks/pause-all", s.pauseAll)
	api.Post("/tasks/resume-all", s.resumeAll)
	api.Post("/tasks/cancel-all", s.cancelAll)
	api.Delete("/tasks/completed", s.clearCompleted)
	api.Delete("/tasks/failed", s.clearFailed)
	api.Delete("/tasks/cancelled", s.clearCancelled)
	api.Get("/tasks/:id", s.getTask)
	api.Delete("/tasks/:id", s.deleteTask)
	api.Post("/tasks/:id/start", s.startTask)
	api.Post("/tasks/:id/cancel", s.cancelTask)
	api.Post("/tasks/:id/retry", s.retryTask)
	api.Post("/tasks/:id/pause", s.pauseTask)
	api.Post("/tasks/:id/resume", s.resumeTask)
	api.Get("/tasks/:id/logs", s.getTaskLogs)
	api.Delete("/tasks/:id/logs", s.deleteTaskLogs)

	// Logs
	api.Get("/logs/recent", s.getRecentLogs)
	api.Delete("/logs", s.deleteAllLogs)

	// Config
	api.Get("/config", s.getConfig)
	api.Put("/config", s.setConfig)
	api.Post("/config/reset", s.resetConfig)

	// Queue
	api.Get("/queue", s.getQueueStatus)

	// Event stream
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.hub.HandleConnection))
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	log.Printf("Starting HTTP server on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// ErrorResponse is the uniform error payload
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse is the uniform success payload
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// errorHandler handles fiber errors
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}

// respondError maps domain errors onto HTTP statuses
func respondError(c *fiber.Ctx, err error) error {
	var valErr *models.ValidationError
	switch {
	case errors.As(err, &valErr):
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: err.Error()})
	}
}

// ============== Task Handlers ==============

// SubmitFileRequest is one input file in a submission
type SubmitFileRequest struct {
	Path     string `json:"path" validate:"required"`
	Category string `json:"category"`
}

// SubmitTaskRequest is the submission payload
type SubmitTaskRequest struct {
	Type      string              `json:"type" validate:"required"`
	Name      string              `json:"name" validate:"max=255"`
	OutputDir string              `json:"output_dir" validate:"required"`
	Config    json.RawMessage     `json:"config"`
	Files     []SubmitFileRequest `json:"files" validate:"dive"`
	Priority  int                 `json:"priority"`
	MaxRetry  int                 `json:"max_retry" validate:"min=0,max=10"`
}

func (s *Server) submitTask(c *fiber.Ctx) error {
	var req SubmitTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "Invalid request body"})
	}
	if err := s.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
	}

	files := make([]models.TaskFile, len(req.Files))
	for i, f := range req.Files {
		files[i] = models.TaskFile{Path: f.Path, Category: f.Category, SortOrder: i}
	}

	task, err := s.scheduler.Submit(scheduler.SubmitRequest{
		Type:      models.TaskType(req.Type),
		Name:      req.Name,
		OutputDir: req.OutputDir,
		Config:    req.Config,
		Files:     files,
		Priority:  req.Priority,
		MaxRetry:  req.MaxRetry,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(task)
}

func (s *Server) listTasks(c *fiber.Ctx) error {
	repo := database.NewTaskRepo(s.db)

	opts := database.ListOptions{
		SortBy:      c.Query("sort_by", "created_at"),
		SortDesc:    c.QueryBool("sort_desc", true),
		Page:        c.QueryInt("page", 1),
		PageSize:    c.QueryInt("page_size", 20),
		WithFiles:   c.QueryBool("with_files", false),
		WithOutputs: c.QueryBool("with_outputs", false),
	}
	for _, status := range splitQuery(c.Query("status")) {
		opts.Filter.Statuses = append(opts.Filter.Statuses, models.TaskStatus(status))
	}
	for _, taskType := range splitQuery(c.Query("type")) {
		opts.Filter.Types = append(opts.Filter.Types, models.TaskType(taskType))
	}
	opts.Filter.NameSearch = c.Query("search")
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			opts.Filter.CreatedFrom = &t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			opts.Filter.CreatedTo = &t
		}
	}

	result, err := repo.List(opts)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

func (s *Server) getTask(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	task, err := database.NewTaskRepo(s.db).GetByID(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

func (s *Server) deleteTask(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := database.NewTaskRepo(s.db).Delete(id); err != nil {
		return respondError(c, err)
	}
	return c.JSON(SuccessResponse{Message: "Task deleted"})
}

func (s *Server) startTask(c *fiber.Ctx) error {
	return s.taskAction(c, s.scheduler.Start, "Task queued")
}

func (s *Server) cancelTask(c *fiber.Ctx) error {
	return s.taskAction(c, s.scheduler.Cancel, "Task cancelled")
}

func (s *Server) retryTask(c *fiber.Ctx) error {
	return s.taskAction(c, s.scheduler.Retry, "Task requeued")
}

func (s *Server) pauseTask(c *fiber.Ctx) error {
	return s.taskAction(c, s.scheduler.Pause, "Task paused")
}

func (s *Server) resumeTask(c *fiber.Ctx) error {
	return s.taskAction(c, s.scheduler.Resume, "Task resumed")
}

func (s *Server) taskAction(c *fiber.Ctx, action func(uint) error, message string) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := action(id); err != nil {
		return respondError(c, err)
	}
	return c.JSON(SuccessResponse{Message: message})
}

func (s *Server) pauseAll(c *fiber.Ctx) error {
	s.scheduler.PauseAll()
	return c.JSON(SuccessResponse{Message: "All running tasks paused"})
}

func (s *Server) resumeAll(c *fiber.Ctx) error {
	s.scheduler.ResumeAll()
	return c.JSON(SuccessResponse{Message: "All paused tasks resumed"})
}

func (s *Server) cancelAll(c *fiber.Ctx) error {
	s.scheduler.CancelAll()
	return c.JSON(SuccessResponse{Message: "All tasks cancelled"})
}

func (s *Server) clearCompleted(c *fiber.Ctx) error {
	days := c.QueryInt("days", 7)
	count, err := database.NewTaskRepo(s.db).DeleteCompletedBefore(days)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(SuccessResponse{Message: "Completed tasks cleared", Data: count})
}

func (s *Server) clearFailed(c *fiber.Ctx) error {
	count, err := database.NewTaskRepo(s.db).DeleteFailed()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(SuccessResponse{Message: "Failed tasks cleared", Data: count})
}

func (s *Server) clearCancelled(c *fiber.Ctx) error {
	count, err := database.NewTaskRepo(s.db).DeleteCancelled()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(SuccessResponse{Message: "Cancelled tasks cleared", Data: count})
}

// ============== Log Handlers ==============

func (s *Server) getTaskLogs(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	logs, err := database.NewLogRepo(s.db).ListByTask(id, c.QueryInt("limit", 100), c.QueryInt("offset", 0))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(logs)
}

func (s *Server) deleteTaskLogs(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := database.NewLogRepo(s.db).DeleteByTask(id); err != nil {
		return respondError(c, err)
	}
	return c.JSON(SuccessResponse{Message: "Task logs deleted"})
}

func (s *Server) getRecentLogs(c *fiber.Ctx) error {
	logs, err := database.NewLogRepo(s.db).Recent(c.QueryInt("limit", 50))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(logs)
}

func (s *Server) deleteAllLogs(c *fiber.Ctx) error {
	if err := database.NewLogRepo(s.db).DeleteAll(); err != nil {
		return respondError(c, err)
	}
	return c.JSON(SuccessResponse{Message: "All logs deleted"})
}

// ============== Config Handlers ==============

func (s *Server) getConfig(c *fiber.Ctx) error {
	settings, err := s.scheduler.Settings()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(settings)
}

func (s *Server) setConfig(c *fiber.Ctx) error {
	var values map[string]interface{}
	if err := c.BodyParser(&values); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "Invalid request body"})
	}
	if err := s.scheduler.SetConfig(values); err != nil {
		return respondError(c, err)
	}
	settings, err := s.scheduler.Settings()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(settings)
}

func (s *Server) resetConfig(c *fiber.Ctx) error {
	if err := database.NewConfigRepo(s.db).ResetToDefault(); err != nil {
		return respondError(c, err)
	}
	// pick the restored defaults back up
	if err := s.scheduler.SetConfig(nil); err != nil {
		return respondError(c, err)
	}
	return c.JSON(SuccessResponse{Message: "Config reset to defaults"})
}

// ============== Queue Handlers ==============

func (s *Server) getQueueStatus(c *fiber.Ctx) error {
	return c.JSON(s.scheduler.QueueStatus())
}

// ============== Helpers ==============

func parseID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid task id")
	}
	return uint(id), nil
}

func splitQuery(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
