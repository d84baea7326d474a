package api

import (
	"errors"
	"net/http"

	"adgen-server/service"

	"github.com/gin-gonic/gin"
)

// respondErr maps the service error taxonomy onto HTTP statuses.
func respondErr(c *gin.Context, err error) {
	var verr *service.ValidationError
	var nferr *service.NotFoundError
	var cerr *service.ConflictError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason})
	case errors.As(err, &nferr):
		c.JSON(http.StatusNotFound, gin.H{"error": nferr.Error()})
	case errors.As(err, &cerr):
		c.JSON(http.StatusConflict, gin.H{"error": cerr.Reason})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
