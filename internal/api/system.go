package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"geopub/internal/platform"
	"geopub/internal/task/scheduler"
)

// platformView leaves out selectors and waits, which only the driver needs.
type platformView struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Code     string            `json:"code"`
	Icon     string            `json:"icon"`
	Color    string            `json:"color"`
	Features platform.Features `json:"features"`
	AuthType platform.AuthType `json:"auth_type"`
	LoginURL string            `json:"login_url"`
	MaxWait  time.Duration     `json:"max_wait"`
	Limits   platform.Limits   `json:"limits"`
}

func (s *Server) handlePlatforms(c *gin.Context) {
	list := s.d.Platforms.List()
	out := make([]platformView, 0, len(list))
	for _, p := range list {
		out = append(out, platformView{
			ID:       p.ID,
			Name:     p.Name,
			Code:     p.Code,
			Icon:     p.Icon,
			Color:    p.Color,
			Features: p.Features,
			AuthType: p.Auth.Type,
			LoginURL: p.Auth.LoginURL,
			MaxWait:  p.Auth.MaxWait,
			Limits:   p.Limits,
		})
	}
	ok(c, out)
}

type jobsView struct {
	Running bool                `json:"running"`
	Jobs    []scheduler.JobInfo `json:"jobs"`
}

func (s *Server) jobs() jobsView {
	return jobsView{Running: s.d.Jobs.Running(), Jobs: s.d.Jobs.Jobs()}
}

func (s *Server) handleJobs(c *gin.Context) { ok(c, s.jobs()) }

func (s *Server) handleSchedulerStart(c *gin.Context) {
	s.d.Jobs.StartManual(s.ctx)
	ok(c, s.jobs())
}

func (s *Server) handleSchedulerStop(c *gin.Context) {
	s.d.Jobs.Stop(c.Request.Context())
	ok(c, s.jobs())
}
