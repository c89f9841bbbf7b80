package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"memochat/internal/auth"
	"memochat/internal/engine"
	applog "memochat/internal/log"
	"memochat/internal/models"
	"memochat/internal/session"
	"memochat/internal/storage"
	"memochat/internal/worker"
)

const threadContextKey = "api_thread"

// TurnStreamer schedules conversation turns.
type TurnStreamer interface {
	Stream(worker.TurnRequest) (*engine.TurnResult, error)
}

// Conversations serves thread memory outside of turns.
type Conversations interface {
	GetState(ctx context.Context, threadID string) (*engine.StateView, error)
	History(ctx context.Context, threadID string) ([]*models.Message, error)
	Summarize(ctx context.Context, threadID string) (*engine.StateView, error)
}

// Threads lists, creates, renames and authorizes threads.
type Threads interface {
	List(ctx context.Context, identity string) ([]models.Thread, error)
	StartNewThread(ctx context.Context, identity string) (string, error)
	Register(ctx context.Context, threadID, name, identity string) error
	Owns(ctx context.Context, identity, threadID string) (*models.Thread, error)
}

// Handler wires HTTP routes to the conversation engine and the worker pool.
type Handler struct {
	auth          *auth.Service
	threads       Threads
	conversations Conversations
	workers       TurnStreamer
}

// NewHandler constructs a Handler instance.
func NewHandler(authService *auth.Service, threads Threads, conversations Conversations, workers TurnStreamer) *Handler {
	return &Handler{
		auth:          authService,
		threads:       threads,
		conversations: conversations,
		workers:       workers,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authed := api.Group("")
	authed.Use(h.auth.Middleware())
	authed.POST("/logout", h.logoutUser)
	authed.PUT("/users/password", h.changePassword)
	authed.GET("/threads", h.listThreads)
	authed.POST("/threads", h.startThread)

	thread := authed.Group("/threads/:thread_id")
	thread.Use(h.requireThread())
	thread.PATCH("", h.renameThread)
	thread.GET("/state", h.getState)
	thread.GET("/messages", h.getMessages)
	thread.POST("/messages", h.captureInput)
	thread.POST("/summarize", h.summarize)
}

// requireThread answers 404 unless the caller owns the path thread.
func (h *Handler) requireThread() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := h.authorizedIdentity(c)
		if !ok {
			c.Abort()
			return
		}
		threadID := strings.TrimSpace(c.Param("thread_id"))
		if threadID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
			return
		}
		thread, err := h.threads.Owns(c.Request.Context(), identity, threadID)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set(threadContextKey, thread)
		c.Next()
	}
}

func (h *Handler) authorizedIdentity(c *gin.Context) (string, bool) {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return identity, true
}

func pathThread(c *gin.Context) *models.Thread {
	val, _ := c.Get(threadContextKey)
	thread, _ := val.(*models.Thread)
	return thread
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var modelErr *engine.ModelError
	switch {
	case errors.Is(err, engine.ErrEmptyInput), errors.Is(err, auth.ErrMissingCredentials),
		errors.Is(err, storage.ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, worker.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrSummarizationFailed), errors.As(err, &modelErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		return "server is busy, please retry"
	case errors.Is(err, storage.ErrThreadNotFound):
		return "thread not found"
	case errors.Is(err, storage.ErrUnavailable):
		return "storage unavailable, please retry"
	default:
		return err.Error()
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		applog.Warn("request failed", "path", c.FullPath(), "status", status, "err", err)
	}
	c.JSON(status, gin.H{"error": errorMessage(err)})
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	identity := strings.TrimSpace(req.Username)
	if err := h.auth.Register(c.Request.Context(), identity, req.Password); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "username already exists"})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"username": identity})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	authToken, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"username":   strings.TrimSpace(req.Username),
		"auth_token": authToken,
		"expires_in": int64(h.auth.TokenTTL().Seconds()),
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			writeError(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) changePassword(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.auth.ChangePassword(c.Request.Context(), identity, req.OldPassword, req.NewPassword); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type threadPayload struct {
	ThreadID    string    `json:"thread_id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

func newThreadPayload(t models.Thread) threadPayload {
	return threadPayload{
		ThreadID:    t.ID,
		Name:        t.Name,
		DisplayName: session.DisplayName(t.Name),
		CreatedAt:   t.CreatedAt,
	}
}

func (h *Handler) listThreads(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	threads, err := h.threads.List(c.Request.Context(), identity)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]threadPayload, 0, len(threads))
	for _, t := range threads {
		out = append(out, newThreadPayload(t))
	}
	c.JSON(http.StatusOK, gin.H{"threads": out})
}

func (h *Handler) startThread(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	threadID, err := h.threads.StartNewThread(c.Request.Context(), identity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"thread_id": threadID})
}

func (h *Handler) renameThread(c *gin.Context) {
	thread := pathThread(c)
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if err := h.threads.Register(c.Request.Context(), thread.ID, strings.TrimSpace(req.Name), thread.Owner); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getState(c *gin.Context) {
	view, err := h.conversations.GetState(c.Request.Context(), pathThread(c).ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) getMessages(c *gin.Context) {
	thread := pathThread(c)
	messages, err := h.conversations.History(c.Request.Context(), thread.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"thread":   newThreadPayload(*thread),
		"messages": messages,
	})
}

func (h *Handler) summarize(c *gin.Context) {
	view, err := h.conversations.Summarize(c.Request.Context(), pathThread(c).ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// User input interface
type inputRequest struct {
	Content string `json:"content"`
}

func (h *Handler) captureInput(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	thread := pathThread(c)
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(c, engine.ErrEmptyInput)
		return
	}

	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	started := false
	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	result, err := h.workers.Stream(worker.TurnRequest{
		Context:  c.Request.Context(),
		Identity: identity,
		ThreadID: thread.ID,
		Content:  req.Content,
		// the stream opens only once the user message is durable
		OnStart: func(message *models.Message) error {
			c.Writer.Header().Set("Content-Type", "text/event-stream")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.Header().Set("Connection", "keep-alive")
			c.Writer.Header().Set("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
			started = true
			return sendEvent("ack", gin.H{"message": message})
		},
		ChunkFn: func(chunk string) error {
			return sendEvent("stream", gin.H{"content": chunk})
		},
	})
	if err != nil {
		if !started {
			writeError(c, err)
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		payload := gin.H{"message": errorMessage(err)}
		if result != nil && result.AssistantMessage != nil {
			payload["ai_message"] = result.AssistantMessage
		}
		_ = sendEvent("error", payload)
		return
	}

	payload := gin.H{
		"user_message": result.UserMessage,
		"ai_message":   result.AssistantMessage,
		"summarized":   result.Summarized,
	}
	if result.State != nil {
		payload["active_count"] = result.State.ActiveCount()
		payload["summary_present"] = result.State.Summary != ""
	}
	if result.SummaryErr != nil {
		payload["summary_error"] = result.SummaryErr.Error()
	}
	_ = sendEvent("done", payload)
}
