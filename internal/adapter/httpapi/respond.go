package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"deliveryd/internal/shared"
)

// All responses share one envelope: {"status":"ok","results":...} on success,
// {"status":"error","error":...} on failure.

func respondOK(c *gin.Context, code int, results any) {
	c.JSON(code, gin.H{"status": "ok", "results": results})
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"status": "error", "error": err.Error()})
}

func statusOf(err error) int {
	switch shared.KindOf(err) {
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindConflict:
		return http.StatusConflict
	case shared.KindConfiguration:
		return http.StatusUnprocessableEntity
	case shared.KindTimeout:
		return http.StatusGatewayTimeout
	case shared.KindDependencyFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
