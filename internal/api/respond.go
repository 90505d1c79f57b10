package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"geopub/internal/accountcheck"
	"geopub/internal/auth"
	"geopub/internal/model"
	"geopub/internal/publish"
	"geopub/internal/storage"
	logx "geopub/pkg/logx"
)

// envelope is the dashboard's response shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func reject(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, envelope{Message: msg})
}

// fail answers with the status matching err and logs server-side faults.
func (s *Server) fail(c *gin.Context, err error) {
	code := statusOf(err)
	msg := model.Message(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", logx.String("path", c.FullPath()), logx.RequestID(c.GetString(requestIDKey)), logx.Err(err))
		if model.KindOf(err) == model.KindInternal {
			msg = "internal error"
		}
	}
	reject(c, code, msg)
}

func statusOf(err error) int {
	switch {
	case model.IsNotFound(err), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAccountInUse),
		errors.Is(err, storage.ErrDuplicate),
		errors.Is(err, auth.ErrLoginInProgress),
		errors.Is(err, accountcheck.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, publish.ErrClosed):
		return http.StatusServiceUnavailable
	}
	switch model.KindOf(err) {
	case model.KindValidation, model.KindConfiguration:
		return http.StatusBadRequest
	case model.KindAuth:
		return http.StatusUnauthorized
	case model.KindCancelled:
		return http.StatusConflict
	case model.KindTransientDriver:
		return http.StatusServiceUnavailable
	case model.KindPlatformRejection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		reject(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}
