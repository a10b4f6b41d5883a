package middleware

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// websocket upgrades must not be wrapped in a gzip writer
var gzipExcludedPaths = []string{
	"/health",
	"/v1/events",
}

func Gzip() gin.HandlerFunc {
	return gzip.Gzip(
		gzip.DefaultCompression,
		gzip.WithExcludedPaths(gzipExcludedPaths),
	)
}
