package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"geopub/internal/model"
	"geopub/internal/publish"
)

type submitBody struct {
	Article      *model.Article `json:"article"`
	AccountIDs   []int64        `json:"account_ids"`
	Platform     string         `json:"platform"`
	AccountNames []string       `json:"account_names"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		reject(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Article == nil {
		reject(c, http.StatusBadRequest, "article is required")
		return
	}
	id, tasks, err := s.d.Publish.Submit(c.Request.Context(), publish.SubmitRequest{
		Article:      *body.Article,
		AccountIDs:   body.AccountIDs,
		Platform:     body.Platform,
		AccountNames: body.AccountNames,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, gin.H{"requestId": id, "tasks": tasks})
}

func (s *Server) handleListRequests(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			reject(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	list, err := s.d.Publish.Requests(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []model.PublishRequest{}
	}
	ok(c, list)
}

func (s *Server) handlePublishStatus(c *gin.Context) {
	rec, err := s.d.Publish.Status(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, rec)
}

func (s *Server) handlePublishTask(c *gin.Context) {
	t, err := s.d.Publish.Task(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, t)
}

func (s *Server) handlePublishCancel(c *gin.Context) {
	rec, err := s.d.Publish.Cancel(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, rec)
}
