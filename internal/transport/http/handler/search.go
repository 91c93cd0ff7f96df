package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"inkpad/internal/app"
	"inkpad/internal/runtime/channel"
	"inkpad/internal/transport/http/response"
)

type SearchHandler struct {
	searchService *app.SearchService
}

type SearchRequest struct {
	Query         string   `json:"query" binding:"required,max=2048"`
	Tags          []string `json:"tags" binding:"max=16"`
	AuthorID      uint     `json:"author_id"`
	DateFrom      string   `json:"date_from"`
	DateTo        string   `json:"date_to"`
	MinSimilarity float64  `json:"min_similarity"`
	Limit         int      `json:"limit" binding:"max=50"`
}

func NewSearchHandler(searchService *app.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

func (h *SearchHandler) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	filters := app.SearchFilters{
		TagSlugs:      req.Tags,
		AuthorID:      req.AuthorID,
		MinSimilarity: req.MinSimilarity,
		Limit:         req.Limit,
	}
	if req.DateFrom != "" {
		from, err := time.Parse(time.RFC3339, req.DateFrom)
		if err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid date_from")
			return
		}
		filters.DateFrom = &from
	}
	if req.DateTo != "" {
		to, err := time.Parse(time.RFC3339, req.DateTo)
		if err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid date_to")
			return
		}
		filters.DateTo = &to
	}

	results, err := h.searchService.SearchText(c.Request.Context(), req.Query, filters)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "query has no searchable text")
		case errors.Is(err, app.ErrDimensionMismatch):
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, err.Error())
		case errors.Is(err, channel.ErrCallFailed), errors.Is(err, channel.ErrTimeout):
			response.Error(c, http.StatusServiceUnavailable, response.CodeModelNotReady, "embedding runtime unavailable: "+err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "search failed")
		}
		return
	}
	response.OK(c, gin.H{"results": results, "count": len(results)})
}
