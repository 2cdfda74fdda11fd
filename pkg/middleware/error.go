package middleware

import (
	"errors"
	"net/http"

	"charter-loyalty/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler translates errors attached to the gin context into the JSON
// error envelope. Handlers call c.Error(err) and return; this middleware owns
// the response shape.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		var base errutil.BaseError
		if errors.As(err, &base) {
			c.JSON(base.Code.HTTPStatus(), base.JSON())
			return
		}

		zap.L().Error("unhandled request error",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    errutil.StatusInternal,
			"message": "internal server error",
		})
	}
}
