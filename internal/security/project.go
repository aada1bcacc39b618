package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ProjectIDHeader carries the project context for every API call.
const ProjectIDHeader = "X-Project-Id"

const contextKeyProjectID = "projectId"

// ProjectMiddleware resolves the project for the request: the X-Project-Id
// header first, then the configured default. Requests with neither are
// rejected with 400 project_id_required.
func ProjectMiddleware(defaultProjectID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.GetHeader(ProjectIDHeader)
		if projectID == "" {
			projectID = defaultProjectID
		}
		if projectID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "project_id_required",
				"message": "set the " + ProjectIDHeader + " header or configure a default project id",
			})
			return
		}
		c.Set(contextKeyProjectID, projectID)
		c.Next()
	}
}

// ProjectID returns the project resolved by ProjectMiddleware.
func ProjectID(c *gin.Context) string {
	return c.GetString(contextKeyProjectID)
}
