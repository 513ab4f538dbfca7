package controllers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// StaticController serves the prebuilt dashboard
type StaticController struct {
	dir string
}

// NewStaticController creates a controller serving files from dir
func NewStaticController(dir string) *StaticController {
	return &StaticController{dir: dir}
}

// RegisterRoutes registers the dashboard routes. Unknown non-API GETs fall
// back to index.html so client-side routes survive a reload.
func (c *StaticController) RegisterRoutes(router *gin.Engine) {
	router.Static("/assets", filepath.Join(c.dir, "assets"))
	router.GET("/", c.Index)
	router.NoRoute(c.Fallback)
}

func (c *StaticController) indexPath() (string, bool) {
	path := filepath.Join(c.dir, "index.html")
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

func (c *StaticController) Index(ctx *gin.Context) {
	path, ok := c.indexPath()
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "dashboard not built"})
		return
	}
	ctx.File(path)
}

func (c *StaticController) Fallback(ctx *gin.Context) {
	path := ctx.Request.URL.Path
	if ctx.Request.Method != http.MethodGet || strings.HasPrefix(path, "/api/") || path == "/api" {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.Index(ctx)
}
