package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campusride/internal/livesync"
)

func listBody[T livesync.Record](col *livesync.Collection[T]) gin.H {
	return gin.H{"items": col.Items(), "loading": col.Loading(), "error": col.Err()}
}

// crud registers list/get/insert/update/remove for a plain mirror. Reads are open to
// every signed-in role; write guards the mutations.
func crud[T livesync.Record](g *gin.RouterGroup, col *livesync.Collection[T], write gin.HandlerFunc) {
	g.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, listBody(col))
	})

	g.GET("/:id", func(c *gin.Context) {
		rec, ok := col.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	g.POST("", write, func(c *gin.Context) {
		var rec T
		if err := c.ShouldBindJSON(&rec); err != nil {
			badRequest(c, err)
			return
		}
		respond(c, http.StatusCreated, col.Insert(c.Request.Context(), rec))
	})

	g.PATCH("/:id", write, func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
		patch, err := livesync.PatchValues(body, col.Table().Joins)
		if err != nil {
			badRequest(c, err)
			return
		}
		respond(c, http.StatusOK, col.Update(c.Request.Context(), c.Param("id"), patch))
	})

	g.DELETE("/:id", write, func(c *gin.Context) {
		respond(c, http.StatusOK, col.Remove(c.Request.Context(), c.Param("id")))
	})
}
