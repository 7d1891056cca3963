package api

import (
	"errors"
	"net/http"
	"strconv"

	"clinical-platform/internal/auth"
	"clinical-platform/internal/payout"
	"clinical-platform/internal/store"
	"clinical-platform/pkg/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError переводит ошибку сервиса в HTTP ответ
func (s *Server) respondError(c *gin.Context, err error) {
	var validation *models.ValidationError
	switch {
	case errors.As(err, &validation):
		body := gin.H{"error": validation.Message}
		if validation.Field != "" {
			body["field"] = validation.Field
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "неверный email или пароль"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "не найдено"})
	case errors.Is(err, payout.ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "заявка уже обработана"})
	default:
		s.logger.Error("ошибка обработки запроса",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "внутренняя ошибка сервера"})
	}
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "некорректный запрос", "details": err.Error()})
}

// currentAccount возвращает ID пользователя из токена
func currentAccount(c *gin.Context) int64 {
	claims, ok := auth.FromContext(c)
	if !ok {
		return 0
	}
	return claims.AccountID
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "некорректный идентификатор"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return v
}
