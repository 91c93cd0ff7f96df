package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"inkpad/internal/repository"
	"inkpad/internal/transport/http/response"
)

type NotificationHandler struct {
	repo *repository.NotificationRepository
}

func NewNotificationHandler(repo *repository.NotificationRepository) *NotificationHandler {
	return &NotificationHandler{repo: repo}
}

func (h *NotificationHandler) List(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	limit := parseIntQuery(c, "limit", 50)
	notifications, err := h.repo.ListByUserID(userID, limit)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list notifications failed")
		return
	}
	response.OK(c, notifications)
}

func (h *NotificationHandler) MarkRead(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	id, err := parseUintParam(c, "id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid notification id")
		return
	}

	if err := h.repo.MarkRead(userID, id); err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "mark notification read failed")
		return
	}
	response.OK(c, gin.H{"read": id})
}
