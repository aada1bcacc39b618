package claims

import (
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/chirino/truthstore/internal/model"
	"github.com/chirino/truthstore/internal/plugin/route/api"
	registryembed "github.com/chirino/truthstore/internal/registry/embed"
	registrystore "github.com/chirino/truthstore/internal/registry/store"
	"github.com/chirino/truthstore/internal/security"
	"github.com/chirino/truthstore/internal/service"
)

// MountRoutes mounts the claim and truth-state REST endpoints.
func MountRoutes(g *gin.RouterGroup, svc *service.Claims, store registrystore.Store, embedder registryembed.Embedder) {
	g.POST("/claims", func(c *gin.Context) { createClaim(c, svc, embedder) })
	g.POST("/claims/:id/retract", func(c *gin.Context) { retractClaim(c, svc) })
	g.GET("/claims/:id", func(c *gin.Context) { getClaim(c, store) })
	g.GET("/claims/subject/:subjectId/truth", func(c *gin.Context) { getTruth(c, svc, store) })
	g.GET("/claims/subject/:subjectId/slot/:slot", func(c *gin.Context) { getSlot(c, store) })
	g.GET("/claims/subject/:subjectId/slots", func(c *gin.Context) { getSlots(c, store) })
	g.GET("/claims/subject/:subjectId/graph", func(c *gin.Context) { getGraph(c, store) })
	g.GET("/claims/subject/:subjectId/history", func(c *gin.Context) { getHistory(c, store) })
}

type createClaimBody struct {
	ClaimID        string     `json:"claim_id"`
	SubjectID      string     `json:"subject_id"`
	Predicate      string     `json:"predicate"`
	ObjectValue    string     `json:"object_value"`
	Slot           string     `json:"slot"`
	ClaimType      string     `json:"claim_type"`
	Confidence     *float64   `json:"confidence"`
	Importance     *float64   `json:"importance"`
	Tags           []string   `json:"tags"`
	SourceMemoryID *string    `json:"source_memory_id"`
	SubjectEntity  string     `json:"subject_entity"`
	ValidFrom      *time.Time `json:"valid_from"`
	ValidUntil     *time.Time `json:"valid_until"`
}

func createClaim(c *gin.Context, svc *service.Claims, embedder registryembed.Embedder) {
	var body createClaimBody
	if err := c.ShouldBindJSON(&body); err != nil {
		api.BadRequest(c, "invalid_json_body", err.Error())
		return
	}
	if body.SubjectID == "" {
		api.BadRequest(c, "subject_id_required", "subject_id is required")
		return
	}
	if body.Predicate == "" {
		api.BadRequest(c, "predicate_required", "predicate is required")
		return
	}
	if body.ObjectValue == "" {
		api.BadRequest(c, "object_value_required", "object_value is required")
		return
	}

	claim, err := svc.Create(c.Request.Context(), registrystore.CreateClaimInput{
		ClaimID:        body.ClaimID,
		ProjectID:      security.ProjectID(c),
		SubjectID:      body.SubjectID,
		Predicate:      body.Predicate,
		ObjectValue:    body.ObjectValue,
		Slot:           body.Slot,
		ClaimType:      body.ClaimType,
		Confidence:     body.Confidence,
		Importance:     body.Importance,
		Tags:           body.Tags,
		SourceMemoryID: body.SourceMemoryID,
		SubjectEntity:  body.SubjectEntity,
		ValidFrom:      body.ValidFrom,
		ValidUntil:     body.ValidUntil,
		Embedding:      embedClaim(c, embedder, body.Predicate, body.ObjectValue),
	})
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, claim)
}

// embedClaim computes the claim embedding best-effort; a failed embed never
// fails the write.
func embedClaim(c *gin.Context, embedder registryembed.Embedder, predicate, objectValue string) []float32 {
	if embedder == nil {
		return nil
	}
	vectors, err := embedder.EmbedTexts(c.Request.Context(), []string{predicate + ": " + objectValue})
	if err != nil {
		log.Warn("Claim embedding failed", "predicate", predicate, "err", err)
		return nil
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil
	}
	return vectors[0]
}

type retractBody struct {
	Reason string `json:"reason"`
}

func retractClaim(c *gin.Context, svc *service.Claims) {
	var body retractBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			api.BadRequest(c, "invalid_json_body", err.Error())
			return
		}
	}
	result, err := svc.Retract(c.Request.Context(), security.ProjectID(c), c.Param("id"), body.Reason)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func getClaim(c *gin.Context, store registrystore.Store) {
	projectID := security.ProjectID(c)
	claimID := c.Param("id")
	ctx := c.Request.Context()

	claim, err := store.GetClaim(ctx, projectID, claimID)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	assertions, err := store.GetClaimAssertions(ctx, projectID, claimID)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	edges, err := store.GetClaimEdges(ctx, projectID, claimID)
	if err != nil {
		api.WriteError(c, err)
		return
	}

	var supersessionChain []model.ClaimEdge
	for _, e := range edges {
		if e.EdgeType == model.EdgeSupersedes {
			supersessionChain = append(supersessionChain, e)
		}
	}
	if supersessionChain == nil {
		supersessionChain = []model.ClaimEdge{}
	}
	c.JSON(http.StatusOK, gin.H{
		"claim":              claim,
		"assertions":         assertions,
		"edges":              edges,
		"supersession_chain": supersessionChain,
	})
}

func getTruth(c *gin.Context, svc *service.Claims, store registrystore.Store) {
	projectID := security.ProjectID(c)
	subjectID := c.Param("subjectId")
	ctx := c.Request.Context()

	rows, err := svc.CurrentTruth(ctx, projectID, subjectID)
	if err != nil {
		api.WriteError(c, err)
		return
	}

	if c.Query("include_source") == "true" {
		type truthWithSource struct {
			registrystore.TruthRow
			SourceMemory *model.Memory `json:"source_memory,omitempty"`
		}
		enriched := make([]truthWithSource, 0, len(rows))
		for _, row := range rows {
			entry := truthWithSource{TruthRow: row}
			if row.Claim.SourceMemoryID != nil {
				if memory, err := store.GetMemory(ctx, projectID, *row.Claim.SourceMemoryID); err == nil {
					entry.SourceMemory = memory
				}
			}
			enriched = append(enriched, entry)
		}
		c.JSON(http.StatusOK, gin.H{"subject_id": subjectID, "truth": enriched, "count": len(enriched)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": subjectID, "truth": rows, "count": len(rows)})
}

func getSlot(c *gin.Context, store registrystore.Store) {
	row, err := store.GetCurrentSlot(c.Request.Context(), security.ProjectID(c), c.Param("subjectId"), c.Param("slot"))
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func getSlots(c *gin.Context, store registrystore.Store) {
	slots, err := store.GetSlots(c.Request.Context(), security.ProjectID(c), c.Param("subjectId"), intQuery(c, "limit"))
	if err != nil {
		api.WriteError(c, err)
		return
	}

	grouped := gin.H{
		"active":     []model.SlotState{},
		"superseded": []model.SlotState{},
		"other":      []model.SlotState{},
	}
	for _, s := range slots {
		switch s.Status {
		case model.SlotStatusActive:
			grouped["active"] = append(grouped["active"].([]model.SlotState), s)
		case model.SlotStatusSuperseded:
			grouped["superseded"] = append(grouped["superseded"].([]model.SlotState), s)
		default:
			grouped["other"] = append(grouped["other"].([]model.SlotState), s)
		}
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": c.Param("subjectId"), "slots": grouped, "count": len(slots)})
}

func getGraph(c *gin.Context, store registrystore.Store) {
	graph, err := store.GetClaimGraph(c.Request.Context(), security.ProjectID(c), c.Param("subjectId"), intQuery(c, "limit"))
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, graph)
}

func getHistory(c *gin.Context, store registrystore.Store) {
	claims, edges, err := store.GetClaimHistory(c.Request.Context(), security.ProjectID(c), c.Param("subjectId"),
		c.Query("slot"), intQuery(c, "limit"))
	if err != nil {
		api.WriteError(c, err)
		return
	}

	bySlot := map[string][]model.Claim{}
	for _, claim := range claims {
		bySlot[claim.Slot] = append(bySlot[claim.Slot], claim)
	}
	c.JSON(http.StatusOK, gin.H{
		"subject_id":       c.Param("subjectId"),
		"slots":            bySlot,
		"supersedes_edges": edges,
		"count":            len(claims),
	})
}

func intQuery(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return v
}
