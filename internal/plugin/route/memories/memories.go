package memories

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chirino/truthstore/internal/model"
	"github.com/chirino/truthstore/internal/plugin/route/api"
	registrystore "github.com/chirino/truthstore/internal/registry/store"
	"github.com/chirino/truthstore/internal/security"
	"github.com/chirino/truthstore/internal/service"
)

// MountRoutes mounts the memory REST endpoints on the given group.
func MountRoutes(g *gin.RouterGroup, svc *service.Memories, retrieval *service.Retrieval, store registrystore.Store) {
	g.GET("/memories", func(c *gin.Context) { listMemories(c, store) })
	g.POST("/memories", func(c *gin.Context) { createMemory(c, svc) })
	g.GET("/memories/search", func(c *gin.Context) { searchMemories(c, retrieval, store) })
	g.POST("/memories/extract", func(c *gin.Context) { extractMemories(c, svc) })
	g.GET("/memories/superseded", func(c *gin.Context) { listSuperseded(c, store) })
	g.GET("/memories/recalls", func(c *gin.Context) { listRecalls(c, store) })
	g.GET("/memories/:id", func(c *gin.Context) { getMemory(c, store) })
	g.PATCH("/memories/:id", func(c *gin.Context) { patchMemory(c, svc) })
	g.DELETE("/memories/:id", func(c *gin.Context) { deleteMemory(c, svc) })
	g.GET("/memories/:id/claims", func(c *gin.Context) { memoryClaims(c, store) })
	g.POST("/memories/:id/restore", func(c *gin.Context) { restoreMemory(c, svc) })
}

func listMemories(c *gin.Context, store registrystore.Store) {
	subjectID := c.Query("subject_id")
	if subjectID == "" {
		api.BadRequest(c, "subject_id_required", "subject_id query parameter is required")
		return
	}
	memories, err := store.ListMemories(c.Request.Context(), registrystore.ListMemoriesRequest{
		ProjectID:         security.ProjectID(c),
		SubjectID:         subjectID,
		Limit:             intQuery(c, "limit", 0),
		Offset:            intQuery(c, "offset", 0),
		IncludeDeleted:    boolQuery(c, "include_deleted"),
		IncludeSuperseded: boolQuery(c, "include_superseded"),
	})
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": memories, "count": len(memories)})
}

type createMemoryBody struct {
	ID            string                 `json:"id"`
	SubjectID     string                 `json:"subject_id"`
	Text          string                 `json:"text"`
	Kind          model.MemoryKind       `json:"kind"`
	Visibility    model.Visibility       `json:"visibility"`
	Importance    *int                   `json:"importance"`
	Confidence    *float64               `json:"confidence"`
	IsTemporal    bool                   `json:"is_temporal"`
	Tags          []string               `json:"tags"`
	Metadata      map[string]interface{} `json:"metadata"`
	SourceType    string                 `json:"source_type"`
	ExtractClaims *bool                  `json:"extract_claims"`
	NoSupersede   bool                   `json:"no_supersede"`
}

func createMemory(c *gin.Context, svc *service.Memories) {
	var body createMemoryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		api.BadRequest(c, "invalid_json_body", err.Error())
		return
	}
	extractClaims := true
	if body.ExtractClaims != nil {
		extractClaims = *body.ExtractClaims
	}

	result, err := svc.Create(c.Request.Context(), security.ProjectID(c), service.CreateMemoryRequest{
		ID:            body.ID,
		SubjectID:     body.SubjectID,
		Text:          body.Text,
		Kind:          body.Kind,
		Visibility:    body.Visibility,
		Importance:    body.Importance,
		Confidence:    body.Confidence,
		IsTemporal:    body.IsTemporal,
		Tags:          body.Tags,
		Metadata:      body.Metadata,
		SourceType:    body.SourceType,
		ExtractClaims: extractClaims,
		NoSupersede:   body.NoSupersede,
	})
	if err != nil {
		api.WriteError(c, err)
		return
	}
	if result.Skipped {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func searchMemories(c *gin.Context, retrieval *service.Retrieval, store registrystore.Store) {
	subjectID := c.Query("subject_id")
	if subjectID == "" {
		api.BadRequest(c, "subject_id_required", "subject_id query parameter is required")
		return
	}
	query := c.Query("q")
	if query == "" {
		api.BadRequest(c, "q_required", "q query parameter is required")
		return
	}
	minScore, _ := strconv.ParseFloat(c.Query("min_score"), 64)

	projectID := security.ProjectID(c)
	result, err := retrieval.Search(c.Request.Context(), service.SearchRequest{
		ProjectID: projectID,
		SubjectID: subjectID,
		Query:     query,
		Limit:     intQuery(c, "limit", 0),
		MinScore:  minScore,
		Context:   c.QueryArray("context"),
	})
	if err != nil {
		api.WriteError(c, err)
		return
	}

	// chat_id opts the caller into recall auditing, best-effort.
	if chatID := c.Query("chat_id"); chatID != "" {
		messageIndex := intQuery(c, "message_index", 0)
		for _, m := range result.Memories {
			_, _ = store.CreateRecallEvent(c.Request.Context(), registrystore.CreateRecallEventInput{
				ProjectID:    projectID,
				MemoryID:     m.ID,
				SubjectID:    subjectID,
				ChatID:       chatID,
				MessageIndex: messageIndex,
				Similarity:   m.Score,
				RequestType:  "search",
				ModelID:      c.Query("model_id"),
			})
		}
	}
	c.JSON(http.StatusOK, result)
}

type extractBody struct {
	SubjectID           string   `json:"subject_id"`
	Text                string   `json:"text"`
	Force               bool     `json:"force"`
	Learn               bool     `json:"learn"`
	ConversationContext []string `json:"conversation_context"`
}

func extractMemories(c *gin.Context, svc *service.Memories) {
	var body extractBody
	if err := c.ShouldBindJSON(&body); err != nil {
		api.BadRequest(c, "invalid_json_body", err.Error())
		return
	}
	result, err := svc.Extract(c.Request.Context(), security.ProjectID(c), service.ExtractRequest{
		SubjectID:           body.SubjectID,
		Text:                body.Text,
		Force:               body.Force,
		Learn:               body.Learn,
		ConversationContext: body.ConversationContext,
	})
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func listSuperseded(c *gin.Context, store registrystore.Store) {
	subjectID := c.Query("subject_id")
	if subjectID == "" {
		api.BadRequest(c, "subject_id_required", "subject_id query parameter is required")
		return
	}
	memories, err := store.ListSupersededMemories(c.Request.Context(), security.ProjectID(c), subjectID,
		intQuery(c, "limit", 0), intQuery(c, "offset", 0))
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": memories, "count": len(memories)})
}

func listRecalls(c *gin.Context, store registrystore.Store) {
	projectID := security.ProjectID(c)
	ctx := c.Request.Context()

	if boolQuery(c, "stats") {
		stats, err := store.GetRecallStats(ctx, projectID)
		if err != nil {
			api.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
		return
	}

	// chat_id takes precedence over memory_id.
	if chatID := c.Query("chat_id"); chatID != "" {
		events, err := store.GetRecallsByChat(ctx, projectID, chatID)
		if err != nil {
			api.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"recalls": events, "count": len(events)})
		return
	}
	if memoryID := c.Query("memory_id"); memoryID != "" {
		events, err := store.GetRecallsByMemory(ctx, projectID, memoryID, intQuery(c, "limit", 0))
		if err != nil {
			api.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"recalls": events, "count": len(events)})
		return
	}
	api.BadRequest(c, "missing_parameter", "chat_id or memory_id is required")
}

func getMemory(c *gin.Context, store registrystore.Store) {
	memory, err := store.GetMemory(c.Request.Context(), security.ProjectID(c), c.Param("id"))
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, memory)
}

type patchMemoryBody struct {
	Text       *string                `json:"text"`
	Kind       *model.MemoryKind      `json:"kind"`
	Visibility *model.Visibility      `json:"visibility"`
	Importance *int                   `json:"importance"`
	Confidence *float64               `json:"confidence"`
	IsTemporal *bool                  `json:"is_temporal"`
	Tags       []string               `json:"tags"`
	Metadata   map[string]interface{} `json:"metadata"`
}

func patchMemory(c *gin.Context, svc *service.Memories) {
	var body patchMemoryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		api.BadRequest(c, "invalid_json_body", err.Error())
		return
	}
	memory, err := svc.Update(c.Request.Context(), security.ProjectID(c), c.Param("id"), service.UpdateMemoryRequest{
		Text:       body.Text,
		Kind:       body.Kind,
		Visibility: body.Visibility,
		Importance: body.Importance,
		Confidence: body.Confidence,
		IsTemporal: body.IsTemporal,
		Tags:       body.Tags,
		Metadata:   body.Metadata,
	})
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, memory)
}

func deleteMemory(c *gin.Context, svc *service.Memories) {
	deleted, err := svc.Delete(c.Request.Context(), security.ProjectID(c), c.Param("id"))
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func memoryClaims(c *gin.Context, store registrystore.Store) {
	projectID := security.ProjectID(c)
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := store.GetMemory(ctx, projectID, id); err != nil {
		api.WriteError(c, err)
		return
	}
	assertions, err := store.GetAssertionsByMemory(ctx, projectID, id)
	if err != nil {
		api.WriteError(c, err)
		return
	}

	claims := make([]*model.Claim, 0, len(assertions))
	for _, a := range assertions {
		claim, err := store.GetClaim(ctx, projectID, a.ClaimID)
		if err != nil {
			continue
		}
		claims = append(claims, claim)
	}
	c.JSON(http.StatusOK, gin.H{
		"memory_id":  id,
		"assertions": assertions,
		"claims":     claims,
	})
}

func restoreMemory(c *gin.Context, svc *service.Memories) {
	result, err := svc.Restore(c.Request.Context(), security.ProjectID(c), c.Param("id"))
	if err != nil {
		// Restoring a soft-deleted row is a client error, not a 404.
		var goneErr *registrystore.GoneError
		if errors.As(err, &goneErr) {
			api.BadRequest(c, "memory_deleted", goneErr.Error())
			return
		}
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return fallback
	}
	return v
}

func boolQuery(c *gin.Context, name string) bool {
	return c.Query(name) == "true" || c.Query(name) == "1"
}
