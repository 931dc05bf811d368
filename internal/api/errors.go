package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/errs"
	"github.com/0gfoundation/0g-token-presale/internal/issuer"
)

// statusFor maps an engine error kind to an HTTP status.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindAccess:
		return http.StatusForbidden
	case errs.KindAuthorization:
		return http.StatusUnauthorized
	case errs.KindState:
		return http.StatusConflict
	case errs.KindArithmetic:
		return http.StatusUnprocessableEntity
	case errs.KindAssetTransfer:
		return http.StatusPaymentRequired
	}
	if errors.Is(err, issuer.ErrOutboxEmpty) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if code := errs.CodeOf(err); code != "" {
		body["code"] = code
		body["kind"] = errs.KindOf(err).String()
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		body = gin.H{"error": "internal error"}
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
