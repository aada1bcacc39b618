package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	registrystore "github.com/chirino/truthstore/internal/registry/store"
)

// WriteError maps typed store errors to the HTTP error contract:
// validation 400, not-found 404, soft-deleted 404 (memory_deleted),
// duplicate key 400, everything else 500 server_error.
func WriteError(c *gin.Context, err error) {
	var validationErr *registrystore.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   validationCode(validationErr),
			"message": validationErr.Message,
		})
		return
	}

	var notFoundErr *registrystore.NotFoundError
	if errors.As(err, &notFoundErr) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   notFoundErr.Resource + "_not_found",
			"message": notFoundErr.Error(),
		})
		return
	}

	var goneErr *registrystore.GoneError
	if errors.As(err, &goneErr) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   goneErr.Resource + "_deleted",
			"message": goneErr.Error(),
		})
		return
	}

	var existsErr *registrystore.AlreadyExistsError
	if errors.As(err, &existsErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "already_exists",
			"message": existsErr.Error(),
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "server_error",
		"message": err.Error(),
	})
}

func validationCode(err *registrystore.ValidationError) string {
	if strings.Contains(err.Message, "exceeds") {
		return err.Field + "_too_long"
	}
	if strings.Contains(err.Message, "required") {
		return err.Field + "_required"
	}
	return "invalid_" + err.Field
}

// BadRequest writes a 400 with the given error code.
func BadRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}
