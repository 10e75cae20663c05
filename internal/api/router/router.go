package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/himawari-tiler/internal/api/handlers/task"
	"github.com/aliskhannn/himawari-tiler/internal/api/middleware"
)

func Setup(h *task.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	r.GET("/health", h.Health)

	api := r.Group("/api")

	api.POST("/tasks", h.Create)          // create or return the active task
	api.GET("/tasks", h.List)             // list tasks
	api.GET("/tasks/:id", h.Get)          // get task by id
	api.PUT("/tasks/:id", h.Update)       // status report
	api.POST("/tasks/:id/claim", h.Claim) // take a pending task

	return r
}
