package controlplane

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/foldersync/internal/controlplane/middleware"
)

//	@title						FolderSync Control Plane API
//	@description				Local HTTP API of a running foldersync agent
//	@BasePath					/
//	@securityDefinitions.apikey	APIToken
//	@in							header
//	@name						Authorization

type RouteConfig struct {
	Auth      middleware.TokenAuthConfig
	RateLimit int64
}

func SetupRoutes(a Agent, routeConfig *RouteConfig) http.Handler {
	r := gin.New()
	h := NewHandler(a)

	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.SecureHeaders())
	r.Use(middleware.CORS())
	r.Use(middleware.Gzip())
	r.Use(middleware.RateLimit(routeConfig.RateLimit))

	r.GET("/", h.Index)
	r.GET("/health", h.Health)

	// @Security APIToken
	v1 := r.Group("/v1")
	v1.Use(middleware.TokenAuth(routeConfig.Auth))
	{
		v1.GET("/status", h.Status)
		v1.GET("/history", h.History)
		v1.GET("/events", h.Events)

		v1Folders := v1.Group("/folders")
		{
			v1Folders.GET("", h.ListFolders)
			v1Folders.GET("/:ref", h.GetFolder)
			v1Folders.POST("/:ref/sync", h.SyncFolder)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.PureJSON(http.StatusNotFound, ErrorResponse{
			ErrorCode: ErrCodeNotFound,
			Error:     "not found",
		})
	})

	r.NoMethod(func(c *gin.Context) {
		c.PureJSON(http.StatusMethodNotAllowed, ErrorResponse{
			ErrorCode: ErrCodeBadRequest,
			Error:     "method not allowed",
		})
	})

	return r.Handler()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
