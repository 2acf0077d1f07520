package dashboard

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/access"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/db"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/tagging"
	"go.uber.org/zap"
)

const defaultEventLimit = 50

type apiHandler struct {
	memory   *memory.Store
	tags     *tagging.Engine
	resolver *access.Resolver
	events   *db.TagEventLog
	logger   *zap.Logger
}

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, h *apiHandler) {
	router.GET("/healthz", h.handleHealth)

	api := router.Group("/api")
	api.GET("/conversations", h.handleConversations)
	api.GET("/conversations/:id", h.handleConversation)
	api.GET("/users/:id", h.handleUser)
	api.GET("/tags/indices", h.handleIndices)
	api.GET("/tags/conversations/:id/active", h.handleConvActive)
	api.GET("/tags/users/:id/active", h.handleUserActive)
	api.GET("/tags/events", h.handleEvents)
	api.GET("/commands", h.handleCommands)
}

type conversationPayload struct {
	ID           string                  `json:"id"`
	Title        string                  `json:"title"`
	Type         memory.ConversationType `json:"type"`
	History      bool                    `json:"history"`
	Participants []string                `json:"participants"`
	Source       string                  `json:"source"`
	Updated      time.Time               `json:"updated"`
	Tags         []string                `json:"tags"`
}

type userPayload struct {
	memory.UserRecord
	Tags      []string `json:"tags"`
	OneToOne  string   `json:"one_to_one,omitempty"`
	Displayed string   `json:"displayed_name"`
}

type eventPayload struct {
	ID             string    `json:"id"`
	Action         string    `json:"action"`
	Kind           string    `json:"kind"`
	EntityID       string    `json:"entity_id"`
	Tag            string    `json:"tag,omitempty"`
	Count          int       `json:"count"`
	ActorID        string    `json:"actor_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (h *apiHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"conversations": len(h.memory.ConversationIDs()),
	})
}

func (h *apiHandler) handleConversations(c *gin.Context) {
	recs := h.memory.Get(c.Query("filter"))
	ids := make([]string, 0, len(recs))
	for id := range recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]conversationPayload, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.conversation(id, recs[id]))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out, "count": len(out)})
}

func (h *apiHandler) handleConversation(c *gin.Context) {
	id := c.Param("id")
	rec, ok := h.memory.Conversation(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation_not_found"})
		return
	}
	c.JSON(http.StatusOK, h.conversation(id, rec))
}

func (h *apiHandler) handleUser(c *gin.Context) {
	id := c.Param("id")
	rec, ok := h.memory.User(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		return
	}
	out := userPayload{
		UserRecord: rec,
		Tags:       nonNil(h.memory.UserTags(id)),
		Displayed:  h.memory.GetName(id, id),
	}
	if conv, ok := h.memory.OneToOne(id); ok {
		out.OneToOne = conv
	}
	c.JSON(http.StatusOK, out)
}

func (h *apiHandler) handleIndices(c *gin.Context) {
	c.JSON(http.StatusOK, h.tags.Indices())
}

func (h *apiHandler) handleConvActive(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{"conversation": id, "tags": nonNil(h.tags.ConvActive(id))})
}

func (h *apiHandler) handleUserActive(c *gin.Context) {
	id := c.Param("id")
	conv := c.Query("conv")
	c.JSON(http.StatusOK, gin.H{
		"user":         id,
		"conversation": conv,
		"tags":         nonNil(h.tags.UserActive(id, conv)),
	})
}

func (h *apiHandler) handleCommands(c *gin.Context) {
	user := c.Query("user")
	conv := c.Query("conv")
	if user == "" || conv == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_and_conv_required"})
		return
	}
	c.JSON(http.StatusOK, h.resolver.AvailableCommands(user, conv))
}

func (h *apiHandler) handleEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit_log_disabled"})
		return
	}
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = n
	}
	events, err := h.events.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list tag events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_log_unavailable"})
		return
	}
	out := make([]eventPayload, 0, len(events))
	for _, ev := range events {
		out = append(out, eventPayload{
			ID:             ev.ID,
			Action:         ev.Action,
			Kind:           ev.Kind,
			EntityID:       ev.EntityID,
			Tag:            ev.Tag,
			Count:          ev.Count,
			ActorID:        ev.ActorID,
			ConversationID: ev.ConversationID,
			CreatedAt:      ev.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (h *apiHandler) conversation(id string, rec memory.ConversationRecord) conversationPayload {
	return conversationPayload{
		ID:           id,
		Title:        rec.Title,
		Type:         rec.Type,
		History:      rec.History,
		Participants: nonNil(rec.Participants),
		Source:       rec.Source,
		Updated:      rec.Updated,
		Tags:         nonNil(h.memory.ConversationTags(id)),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
