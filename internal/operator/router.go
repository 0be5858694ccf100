package operator

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter wires the handful of routes this surface exists to carry:
// read-only task/step/transition lookups and the two manual-resolution
// endpoints. There is no auth middleware here: this is the thinnest
// possible binding for an operator tool running inside a trusted network,
// not a public API.
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Content-Type"},
	}))

	r.GET("/healthcheck", h.HealthCheck)

	api := r.Group("/api")
	{
		api.GET("/tasks/:id", h.GetTask)
		api.GET("/tasks/:id/transitions", h.ListTaskTransitions)
		api.POST("/tasks/:id/resolve", h.ResolveTask)
		api.POST("/tasks/:id/cancel", h.CancelTask)

		api.GET("/steps/:id", h.GetStep)
		api.GET("/steps/:id/transitions", h.ListStepTransitions)
		api.POST("/steps/:id/resolve", h.ResolveStep)
	}

	return r
}

// Server is a thin wrapper around the gin engine: a named type the
// process entrypoint can hold onto instead of a bare *gin.Engine.
type Server struct {
	Engine *gin.Engine
}

func NewServer(h *Handlers) *Server {
	return &Server{Engine: NewRouter(h)}
}

func (s *Server) Run(address string) error {
	return s.Engine.Run(address)
}
