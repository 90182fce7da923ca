package api

import (
	hpprof "net/http/pprof"
	"runtime"

	"github.com/gin-gonic/gin"
)

// ProfileConfig enables the runtime profiler under /debug/pprof.
type ProfileConfig struct {
	Enabled bool

	// Zero keeps the Go default for each rate.
	MutexProfileFraction int
	BlockProfileRate     int
}

func applyProfileRates(cfg ProfileConfig) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// mountProfiler registers the pprof handlers behind the same auth as the API.
func mountProfiler(g *gin.RouterGroup) {
	p := g.Group("/debug/pprof")
	p.GET("/", gin.WrapF(hpprof.Index))
	p.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	p.GET("/profile", gin.WrapF(hpprof.Profile))
	p.GET("/symbol", gin.WrapF(hpprof.Symbol))
	p.POST("/symbol", gin.WrapF(hpprof.Symbol))
	p.GET("/trace", gin.WrapF(hpprof.Trace))
	// heap, goroutine, allocs, block, mutex, threadcreate
	p.GET("/:name", func(c *gin.Context) {
		hpprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request)
	})
}
