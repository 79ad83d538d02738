package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"calibration-backend/internal/blob"
)

// GetUpload handles GET /uploads/*key. In signed mode it redirects to a short
// lived URL when the bucket can sign one, otherwise it streams the blob.
func (h *Handler) GetUpload(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	ctx := c.Request.Context()

	if !h.blobs.ValidKey(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}

	if h.blobs.Access() == blob.AccessSigned {
		url, err := h.blobs.SignedURL(ctx, key)
		switch {
		case err == nil:
			c.Redirect(http.StatusFound, url)
			return
		case !blob.IsUnimplemented(err):
			respondError(c, err)
			return
		}
	}

	r, err := h.blobs.Open(ctx, key)
	if err != nil {
		respondError(c, err)
		return
	}
	defer r.Close()

	// Keys are never reused, so the content behind one never changes.
	c.DataFromReader(http.StatusOK, r.Size(), r.ContentType(), r, map[string]string{
		"Cache-Control":          "public, max-age=31536000, immutable",
		"X-Content-Type-Options": "nosniff",
	})
}
