package handler

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"inkpad/internal/app"
	"inkpad/internal/pkg/pdfextract"
	"inkpad/internal/transport/http/response"
)

const maxPDFSize = 10 << 20

type PostHandler struct {
	postService *app.PostService
}

type PostRequest struct {
	Title    string   `json:"title" binding:"required,max=256"`
	Body     string   `json:"body" binding:"required"`
	TagSlugs []string `json:"tags" binding:"max=16"`
}

func NewPostHandler(postService *app.PostService) *PostHandler {
	return &PostHandler{postService: postService}
}

func (h *PostHandler) Create(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	post, err := h.postService.Create(c.Request.Context(), userID, app.PostInput{
		Title:    req.Title,
		Body:     req.Body,
		TagSlugs: req.TagSlugs,
	})
	if err != nil {
		h.writeError(c, err, "create post failed")
		return
	}
	response.OK(c, post)
}

func (h *PostHandler) Update(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	postID, err := parseUintParam(c, "id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid post id")
		return
	}

	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	post, err := h.postService.Update(c.Request.Context(), userID, postID, app.PostInput{
		Title:    req.Title,
		Body:     req.Body,
		TagSlugs: req.TagSlugs,
	})
	if err != nil {
		h.writeError(c, err, "update post failed")
		return
	}
	response.OK(c, post)
}

func (h *PostHandler) Get(c *gin.Context) {
	postID, err := parseUintParam(c, "id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid post id")
		return
	}

	post, err := h.postService.Get(postID)
	if err != nil {
		h.writeError(c, err, "fetch post failed")
		return
	}
	response.OK(c, post)
}

func (h *PostHandler) GetBySlug(c *gin.Context) {
	slug := strings.TrimSpace(c.Param("slug"))
	if slug == "" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing slug")
		return
	}

	post, err := h.postService.GetBySlug(slug)
	if err != nil {
		h.writeError(c, err, "fetch post failed")
		return
	}
	response.OK(c, post)
}

func (h *PostHandler) List(c *gin.Context) {
	limit := parseIntQuery(c, "limit", 20)
	offset := parseIntQuery(c, "offset", 0)

	posts, err := h.postService.List(limit, offset)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list posts failed")
		return
	}
	response.OK(c, posts)
}

func (h *PostHandler) ListMine(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	posts, err := h.postService.ListByAuthor(userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list posts failed")
		return
	}
	response.OK(c, posts)
}

func (h *PostHandler) Delete(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	postID, err := parseUintParam(c, "id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid post id")
		return
	}

	if err := h.postService.Delete(userID, postID); err != nil {
		h.writeError(c, err, "delete post failed")
		return
	}
	response.OK(c, gin.H{"deleted": postID})
}

// ImportPDF turns an uploaded PDF into a new post. The extracted text becomes
// the body and is embedded through the usual publish path.
func (h *PostHandler) ImportPDF(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file")
		return
	}
	if file.Size > maxPDFSize {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "file too large (max 10MB)")
		return
	}
	if strings.ToLower(filepath.Ext(file.Filename)) != ".pdf" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "only PDF files are allowed")
		return
	}

	f, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
		return
	}
	defer f.Close()

	text, err := pdfextract.ExtractText(f)
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "failed to extract text from PDF: "+err.Error())
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "PDF contains no extractable text")
		return
	}

	title := strings.TrimSpace(c.PostForm("title"))
	if title == "" {
		title = strings.TrimSuffix(file.Filename, filepath.Ext(file.Filename))
		if title == "" {
			title = "Untitled"
		}
	}

	post, err := h.postService.Create(c.Request.Context(), userID, app.PostInput{
		Title: title,
		Body:  text,
	})
	if err != nil {
		h.writeError(c, err, "import failed")
		return
	}
	response.OK(c, post)
}

func (h *PostHandler) writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrPostNotFound):
		response.Error(c, http.StatusNotFound, response.CodePostNotFound, err.Error())
	case errors.Is(err, app.ErrForbidden):
		response.Error(c, http.StatusForbidden, response.CodeForbidden, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}
