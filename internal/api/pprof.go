package api

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"

	"github.com/gin-gonic/gin"
)

// registerPprof mounts the runtime profiles under /debug/pprof. With a
// token set, requests must send it as a bearer token.
func (s *Server) registerPprof() {
	g := s.router.Group("/debug/pprof")
	if tok := s.cfg.PprofToken; tok != "" {
		want := []byte("Bearer " + tok)
		g.Use(func(c *gin.Context) {
			if subtle.ConstantTimeCompare([]byte(c.GetHeader("Authorization")), want) != 1 {
				reject(c, http.StatusUnauthorized, "unauthorized")
			}
		})
	}
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	g.GET("/:profile", func(c *gin.Context) {
		hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
	})
}
