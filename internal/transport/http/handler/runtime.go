package handler

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"inkpad/internal/app"
	"inkpad/internal/embedder"
	"inkpad/internal/runtime/pipeline"
	"inkpad/internal/transport/http/response"
)

// RuntimeHandler exposes embedding pipeline operations: status, warmup,
// cache clearing and manual reindex.
type RuntimeHandler struct {
	embedder     *embedder.Service
	indexService *app.IndexService
}

func NewRuntimeHandler(emb *embedder.Service, indexService *app.IndexService) *RuntimeHandler {
	return &RuntimeHandler{embedder: emb, indexService: indexService}
}

func (h *RuntimeHandler) Status(c *gin.Context) {
	state, err := h.embedder.Status(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusServiceUnavailable, response.CodeModelNotReady, "runtime status unavailable: "+err.Error())
		return
	}
	response.OK(c, state)
}

// Warmup starts a model load in the background and returns immediately;
// poll Status to watch it progress.
func (h *RuntimeHandler) Warmup(c *gin.Context) {
	go func() {
		err := h.embedder.Warmup(context.Background(), func(p pipeline.Progress) {
			if p.Stage == pipeline.StageDownload && !p.Indeterminate {
				log.Printf("model download %s: %d%%", p.File, p.Percent)
			}
		})
		if err != nil {
			log.Printf("model warmup failed: %v", err)
		}
	}()
	c.JSON(http.StatusAccepted, response.APIResponse{Code: response.CodeOK, Message: "warmup started"})
}

func (h *RuntimeHandler) ClearCache(c *gin.Context) {
	if err := h.embedder.ClearCache(c.Request.Context()); err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "clear cache failed")
		return
	}
	response.OK(c, gin.H{"cleared": true})
}

// Reindex re-embeds one post synchronously, bypassing the queue. Useful after
// a model change or a cache wipe.
func (h *RuntimeHandler) Reindex(c *gin.Context) {
	postID, err := parseUintParam(c, "id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid post id")
		return
	}

	n, err := h.indexService.ReindexPost(c.Request.Context(), postID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrPostNotFound):
			response.Error(c, http.StatusNotFound, response.CodePostNotFound, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "reindex failed: "+err.Error())
		}
		return
	}
	response.OK(c, gin.H{"post_id": postID, "chunks": n})
}
