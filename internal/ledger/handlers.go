package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/a2a-settlement/exchange/internal/accounts"
	"github.com/a2a-settlement/exchange/internal/apierror"
	"github.com/a2a-settlement/exchange/internal/idempotency"
)

// Handler wires the ledger service into gin routes.
type Handler struct {
	svc       *Service
	observer  *Observer
	providers ProviderLookup
	idemStore idempotency.Store
}

func NewHandler(svc *Service, observer *Observer, providers ProviderLookup, idemStore idempotency.Store) *Handler {
	return &Handler{svc: svc, observer: observer, providers: providers, idemStore: idemStore}
}

// RegisterProtectedRoutes mounts every exchange endpoint, all of which
// require authentication.
func (h *Handler) RegisterProtectedRoutes(rg *gin.RouterGroup) {
	idem := idempotency.Middleware(h.idemStore)
	rg.POST("/exchange/deposit", idem, h.Deposit)
	rg.POST("/exchange/escrow", idem, h.CreateEscrow)
	rg.POST("/exchange/escrow/batch", idem, h.BatchCreateEscrow)
	rg.POST("/exchange/release", idem, h.Release)
	rg.POST("/exchange/refund", idem, h.Refund)
	rg.POST("/exchange/dispute", idem, h.Dispute)
	rg.POST("/exchange/resolve", idem, accounts.RequireOperator(), h.Resolve)
	rg.GET("/exchange/balance", h.Balance)
	rg.GET("/exchange/transactions", h.Transactions)
	rg.GET("/exchange/escrows", h.ListEscrows)
	rg.GET("/exchange/escrows/:id", h.GetEscrow)
}

func callerID(c *gin.Context) string {
	account, ok := accounts.GetAuthenticatedAccount(c)
	if !ok {
		return ""
	}
	return account.ID
}

type depositRequest struct {
	Amount    int64  `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

func (h *Handler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
		return
	}
	bal, err := h.svc.Deposit(c.Request.Context(), callerID(c), req.Amount, TxDeposit, req.Reference)
	if err != nil {
		writeLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

type createEscrowRequest struct {
	ProviderID   string   `json:"provider_id" binding:"required"`
	Amount       int64    `json:"amount" binding:"required"`
	TaskID       string   `json:"task_id"`
	TaskType     string   `json:"task_type"`
	DependsOn    []string `json:"depends_on"`
	Deliverables string   `json:"deliverables"`
	TTLMinutes   int      `json:"ttl_minutes"`
}

func (h *Handler) CreateEscrow(c *gin.Context) {
	var req createEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
		return
	}
	requesterID := callerID(c)
	h.observer.MiniSweep(c.Request.Context(), requesterID)

	escrow, err := h.svc.CreateEscrow(c.Request.Context(), CreateEscrowInput{
		RequesterID:  requesterID,
		ProviderID:   req.ProviderID,
		Amount:       req.Amount,
		TaskID:       req.TaskID,
		TaskType:     req.TaskType,
		DependsOn:    req.DependsOn,
		Deliverables: req.Deliverables,
		TTLMinutes:   req.TTLMinutes,
	}, h.providers)
	if err != nil {
		writeLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, escrowResponse(escrow))
}

type batchEscrowItem struct {
	ProviderID   string   `json:"provider_id" binding:"required"`
	Amount       int64    `json:"amount" binding:"required"`
	TaskID       string   `json:"task_id"`
	TaskType     string   `json:"task_type"`
	Deliverables string   `json:"deliverables"`
	TTLMinutes   int      `json:"ttl_minutes"`
	DependsOn    []string `json:"depends_on"`
}

type batchEscrowRequest struct {
	Items []batchEscrowItem `json:"items" binding:"required"`
}

func (h *Handler) BatchCreateEscrow(c *gin.Context) {
	var req batchEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
		return
	}
	items := make([]BatchCreateEscrowInput, len(req.Items))
	for i, it := range req.Items {
		items[i] = BatchCreateEscrowInput{
			ProviderID:   it.ProviderID,
			Amount:       it.Amount,
			TaskID:       it.TaskID,
			TaskType:     it.TaskType,
			Deliverables: it.Deliverables,
			TTLMinutes:   it.TTLMinutes,
			DependsOn:    it.DependsOn,
		}
	}
	escrows, err := h.svc.BatchCreateEscrow(c.Request.Context(), callerID(c), items, h.providers)
	if err != nil {
		writeLedgerErr(c, err)
		return
	}
	out := make([]gin.H, len(escrows))
	for i, e := range escrows {
		out[i] = escrowResponse(e)
	}
	c.JSON(http.StatusCreated, gin.H{"escrows": out})
}

type escrowActionRequest struct {
	EscrowID string `json:"escrow_id" binding:"required"`
	Reason   string `json:"reason"`
}

func (h *Handler) Release(c *gin.Context) {
	var req escrowActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
		return
	}
	h.observer.MiniSweep(c.Request.Context(), callerID(c))

	escrow, err := h.svc.Release(c.Request.Context(), req.EscrowID, callerID(c))
	if err != nil {
		writeLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(escrow))
}

func (h *Handler) Refund(c *gin.Context) {
	var req escrowActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
		return
	}
	h.observer.MiniSweep(c.Request.Context(), callerID(c))

	escrows, err := h.svc.Refund(c.Request.Context(), req.EscrowID, callerID(c), req.Reason)
	if err != nil {
		writeLedgerErr(c, err)
		return
	}
	out := make([]gin.H, len(escrows))
	for i, e := range escrows {
		out[i] = escrowResponse(e)
	}
	c.JSON(http.StatusOK, gin.H{"escrows": out})
}

func (h *Handler) Dispute(c *gin.Context) {
	var req escrowActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
		return
	}
	escrow, err := h.svc.Dispute(c.Request.Context(), req.EscrowID, callerID(c), req.Reason)
	if err != nil {
		writeLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(escrow))
}

type resolveRequest struct {
	EscrowID   string `json:"escrow_id" binding:"required"`
	Resolution string `json:"resolution" binding:"required"`
	Note       string `json:"note"`
}

func (h *Handler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
		return
	}
	escrow, err := h.svc.Resolve(c.Request.Context(), req.EscrowID, req.Resolution, req.Note)
	if err != nil {
		writeLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(escrow))
}

func (h *Handler) Balance(c *gin.Context) {
	bal, err := h.svc.Balance(c.Request.Context(), callerID(c))
	if err != nil {
		writeLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (h *Handler) Transactions(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)
	txs, next, err := h.svc.Transactions(c.Request.Context(), callerID(c), limit, c.Query("cursor"))
	if err != nil {
		writeLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "next_cursor": next})
}

func (h *Handler) ListEscrows(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)
	status := Status(c.Query("status"))
	escrows, next, err := h.svc.ListEscrows(c.Request.Context(), callerID(c), status, limit, c.Query("cursor"))
	if err != nil {
		writeLedgerErr(c, err)
		return
	}
	out := make([]gin.H, len(escrows))
	for i, e := range escrows {
		out[i] = escrowResponse(e)
	}
	c.JSON(http.StatusOK, gin.H{"escrows": out, "next_cursor": next})
}

func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.svc.GetEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeLedgerErr(c, err)
		return
	}
	caller := callerID(c)
	if caller != escrow.RequesterID && caller != escrow.ProviderID {
		apierror.Write(c, apierror.New(apierror.CodeForbidden, "not a party to this escrow"))
		return
	}
	c.JSON(http.StatusOK, escrowResponse(escrow))
}

func escrowResponse(e *Escrow) gin.H {
	return gin.H{
		"id":                    e.ID,
		"requester_id":          e.RequesterID,
		"provider_id":           e.ProviderID,
		"amount":                e.Amount,
		"fee_amount":            e.FeeAmount,
		"effective_fee_percent": e.EffectiveFeePercent(),
		"status":                e.Status,
		"task_id":               e.TaskID,
		"task_type":             e.TaskType,
		"group_id":              e.GroupID,
		"depends_on":            e.DependsOn,
		"deliverables":          e.Deliverables,
		"expires_at":            e.ExpiresAt,
		"dispute_expires_at":    e.DisputeExpiresAt,
		"created_at":            e.CreatedAt,
		"resolved_at":           e.ResolvedAt,
		"dispute_reason":        e.DisputeReason,
		"resolution":            e.Resolution,
	}
}

func parseLimit(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 200 {
		return def
	}
	return n
}

func writeLedgerErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		apierror.Write(c, apierror.New(apierror.CodeNotFound, "escrow not found"))
	case errors.Is(err, ErrInsufficientFunds):
		apierror.Write(c, apierror.New(apierror.CodeInsufficientFunds, "insufficient available balance"))
	case errors.Is(err, ErrInactiveProvider):
		apierror.Write(c, apierror.New(apierror.CodeInactiveProvider, "provider is not active"))
	case errors.Is(err, ErrAccountFrozen):
		apierror.Write(c, apierror.New(apierror.CodeAccountFrozen, err.Error()))
	case errors.Is(err, ErrSpendLimitBreached):
		apierror.Write(c, apierror.New(apierror.CodeSpendLimitBreached, err.Error()))
	case errors.Is(err, ErrTaskConflict):
		apierror.Write(c, apierror.New(apierror.CodeTaskConflict, err.Error()))
	case errors.Is(err, ErrDependencyUnresolved):
		apierror.Write(c, apierror.New(apierror.CodeDependencyUnresolved, err.Error()))
	case errors.Is(err, ErrWrongStatus):
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
	case errors.Is(err, ErrForbidden):
		apierror.Write(c, apierror.New(apierror.CodeForbidden, err.Error()))
	case errors.Is(err, ErrInvalidAmount):
		apierror.Write(c, apierror.New(apierror.CodeValidationFailed, err.Error()))
	case errors.Is(err, ErrTransientConflict):
		apierror.Write(c, apierror.New(apierror.CodeTransientConflict, err.Error()))
	default:
		apierror.Write(c, err)
	}
}
