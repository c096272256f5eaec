package accounts

import (
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/a2a-settlement/exchange/internal/apierror"
)

// Handler wires the accounts service into gin routes.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts endpoints that do not require authentication.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/accounts/register", h.Register)
	rg.GET("/accounts/directory", h.Directory)
	rg.GET("/accounts/:id", h.Get)
}

// RegisterProtectedRoutes mounts endpoints that require a valid bearer
// token.
func (h *Handler) RegisterProtectedRoutes(rg *gin.RouterGroup) {
	rg.PUT("/accounts/skills", h.UpdateSkills)
	rg.POST("/accounts/rotate-key", h.RotateKey)
	rg.PUT("/accounts/webhook", h.SetWebhook)
	rg.DELETE("/accounts/webhook", h.DeleteWebhook)
	rg.POST("/accounts/admin/suspend", RequireOperator(), h.Suspend)
}

type registerRequest struct {
	BotName       string   `json:"bot_name" binding:"required"`
	DeveloperID   string   `json:"developer_id"`
	DeveloperName string   `json:"developer_name"`
	ContactEmail  string   `json:"contact_email" binding:"required"`
	Description   string   `json:"description"`
	SkillTags     []string `json:"skill_tags"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
		return
	}

	result, err := h.svc.Register(c.Request.Context(), RegisterInput{
		BotName:       req.BotName,
		DeveloperID:   req.DeveloperID,
		DeveloperName: req.DeveloperName,
		ContactEmail:  req.ContactEmail,
		Description:   req.Description,
		SkillTags:     req.SkillTags,
		ClientIP:      clientIP(c),
	})
	if err != nil {
		writeAccountErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account": result.Account,
		"api_key": result.APIKey,
	})
}

func (h *Handler) Directory(c *gin.Context) {
	skillTag := c.Query("skill")
	limit := 50
	accountsList, next, err := h.svc.Directory(c.Request.Context(), skillTag, limit, c.Query("cursor"))
	if err != nil {
		writeAccountErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accountsList, "next_cursor": next})
}

func (h *Handler) Get(c *gin.Context) {
	a, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeAccountErr(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type updateSkillsRequest struct {
	SkillTags []string `json:"skill_tags"`
}

func (h *Handler) UpdateSkills(c *gin.Context) {
	account, _ := GetAuthenticatedAccount(c)
	var req updateSkillsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
		return
	}
	a, err := h.svc.UpdateSkills(c.Request.Context(), account.ID, req.SkillTags)
	if err != nil {
		writeAccountErr(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) RotateKey(c *gin.Context) {
	account, _ := GetAuthenticatedAccount(c)
	key, err := h.svc.RotateKey(c.Request.Context(), account.ID)
	if err != nil {
		writeAccountErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_key": key})
}

type setWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

func (h *Handler) SetWebhook(c *gin.Context) {
	account, _ := GetAuthenticatedAccount(c)
	var req setWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
		return
	}
	secret, err := h.svc.SetWebhook(c.Request.Context(), account.ID, req.URL, req.Events)
	if err != nil {
		writeAccountErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "secret": secret})
}

func (h *Handler) DeleteWebhook(c *gin.Context) {
	account, _ := GetAuthenticatedAccount(c)
	if err := h.svc.RemoveWebhook(c.Request.Context(), account.ID); err != nil {
		writeAccountErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type suspendRequest struct {
	AccountID string `json:"account_id" binding:"required"`
}

func (h *Handler) Suspend(c *gin.Context) {
	var req suspendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
		return
	}
	if err := h.svc.Suspend(c.Request.Context(), req.AccountID); err != nil {
		writeAccountErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "suspended"})
}

func writeAccountErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		apierror.Write(c, apierror.New(apierror.CodeNotFound, "account not found"))
	case errors.Is(err, ErrDuplicateBotName):
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, "bot_name already registered"))
	case errors.Is(err, ErrAuthInvalid):
		apierror.Write(c, apierror.New(apierror.CodeAuthInvalid, "invalid credentials"))
	case errors.Is(err, ErrForbidden):
		apierror.Write(c, apierror.New(apierror.CodeForbidden, "operation not permitted"))
	case errors.Is(err, ErrInvalidWebhookURL):
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, "invalid webhook url"))
	case errors.Is(err, ErrRateLimited):
		apierror.Write(c, apierror.New(apierror.CodeRateLimited, "too many registration attempts"))
	default:
		apierror.Write(c, err)
	}
}

func clientIP(c *gin.Context) string {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}
	return host
}
