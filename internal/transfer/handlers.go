package transfer

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletguard/internal/auth"
	"github.com/mbd888/walletguard/internal/idgen"
	"github.com/mbd888/walletguard/internal/ledger"
	"github.com/mbd888/walletguard/internal/money"
	"github.com/mbd888/walletguard/internal/validation"
)

// HeaderIdempotencyKey lets callers retry a transfer or deposit safely.
const HeaderIdempotencyKey = "Idempotency-Key"

// Handler provides HTTP endpoints for accounts, wallets and transfers.
type Handler struct {
	coord *Coordinator
}

// NewHandler creates a new transfer handler.
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

// RegisterRoutes sets up routes that need no actor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.Register)
	r.GET("/convert", h.Convert)
}

// RegisterProtectedRoutes sets up routes that act on behalf of the actor.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallets", h.ListWallets)
	r.POST("/wallets", h.AddWallet)
	r.GET("/wallets/:id", validation.IDParamMiddleware("id", idgen.Wallet), h.GetWallet)
	r.POST("/deposits", h.Deposit)
	r.POST("/transfers", h.Transfer)
	r.GET("/transactions", h.RecentTransactions)
}

// RegisterRequest is the body of POST /v1/accounts.
type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
}

// AddWalletRequest is the body of POST /v1/wallets.
type AddWalletRequest struct {
	Currency string `json:"currency" binding:"required"`
}

// DepositBody is the body of POST /v1/deposits.
type DepositBody struct {
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

// TransferBody is the body of POST /v1/transfers. Amount is a decimal
// string in Currency, e.g. "40.00".
type TransferBody struct {
	Recipient         string `json:"recipient" binding:"required"`
	Amount            string `json:"amount" binding:"required"`
	Currency          string `json:"currency" binding:"required"`
	RecipientCurrency string `json:"recipientCurrency"`
	Notes             string `json:"notes"`
}

// Register handles POST /v1/accounts
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	acct, err := h.coord.Ledger().CreateAccount(c.Request.Context(), req.Username)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrAccountExists):
			c.JSON(http.StatusConflict, gin.H{"error": "account_exists", "message": "Username is taken"})
		case errors.Is(err, ledger.ErrInvalidUsername):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		default:
			internalError(c, err)
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// ListWallets handles GET /v1/wallets
func (h *Handler) ListWallets(c *gin.Context) {
	wallets, err := h.coord.Ledger().ListWallets(c.Request.Context(), auth.ActorID(c))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets, "count": len(wallets)})
}

// AddWallet handles POST /v1/wallets
func (h *Handler) AddWallet(c *gin.Context) {
	var req AddWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	w, err := h.coord.Ledger().AddWallet(c.Request.Context(), auth.ActorID(c), req.Currency)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrWalletExists):
			c.JSON(http.StatusConflict, gin.H{"error": "wallet_exists", "message": err.Error()})
		case errors.Is(err, money.ErrInvalidCurrency):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		default:
			internalError(c, err)
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": w})
}

// GetWallet handles GET /v1/wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.coord.Ledger().Store().GetWallet(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ledger.ErrWalletNotFound) || (err == nil && w.OwnerID != auth.ActorID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet":  w,
		"balance": money.Format(w.Balance, w.Currency),
	})
}

// Deposit handles POST /v1/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var body DepositBody
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidBody(c)
		return
	}
	key := c.GetHeader(HeaderIdempotencyKey)
	if errs := validation.Validate(
		validation.ValidAmount("amount", body.Amount),
		validation.ValidCurrency("currency", body.Currency),
		validation.MaxLength(HeaderIdempotencyKey, key, validation.MaxIdempotencyKeyLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	amount, err := money.Parse(body.Amount, body.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	out, err := h.coord.Deposit(c.Request.Context(), DepositRequest{
		ActorID:        auth.ActorID(c),
		Amount:         amount,
		Currency:       body.Currency,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(c, nil, err)
		return
	}
	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, out)
}

// Transfer handles POST /v1/transfers
func (h *Handler) Transfer(c *gin.Context) {
	var body TransferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidBody(c)
		return
	}
	key := c.GetHeader(HeaderIdempotencyKey)
	if errs := validation.Validate(
		validation.Required("recipient", body.Recipient),
		validation.ValidAmount("amount", body.Amount),
		validation.ValidCurrency("currency", body.Currency),
		validation.ValidCurrency("recipientCurrency", body.RecipientCurrency),
		validation.MaxLength("notes", body.Notes, validation.MaxNotesLength),
		validation.MaxLength(HeaderIdempotencyKey, key, validation.MaxIdempotencyKeyLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	amount, err := money.Parse(body.Amount, body.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	out, err := h.coord.Transfer(c.Request.Context(), Request{
		ActorID:           auth.ActorID(c),
		Recipient:         body.Recipient,
		Amount:            amount,
		Currency:          body.Currency,
		RecipientCurrency: body.RecipientCurrency,
		Notes:             validation.SanitizeString(body.Notes, validation.MaxNotesLength),
		IdempotencyKey:    key,
	})
	if err != nil {
		writeError(c, out, err)
		return
	}

	switch {
	case out.Replayed:
		c.JSON(http.StatusOK, out)
	case out.Status == StatusFlagged:
		c.JSON(http.StatusAccepted, out)
	default:
		c.JSON(http.StatusCreated, out)
	}
}

// RecentTransactions handles GET /v1/transactions
func (h *Handler) RecentTransactions(c *gin.Context) {
	limit := 10
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	txs, err := h.coord.Ledger().RecentTransactions(c.Request.Context(), auth.ActorID(c), limit)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// Convert handles GET /v1/convert?from=USD&to=EUR&amount=10.00
func (h *Handler) Convert(c *gin.Context) {
	from, to := c.Query("from"), c.Query("to")
	amount, err := money.Parse(c.Query("amount"), from)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	q, err := h.coord.Convert(c.Request.Context(), from, to, amount)
	if err != nil {
		writeError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"quote":     q,
		"formatted": money.Format(q.Converted, q.To) + " " + strings.ToUpper(q.To),
	})
}

// writeError maps transfer errors to HTTP responses. A non-nil out means a
// record exists and is included in the body.
func writeError(c *gin.Context, out *Outcome, err error) {
	status, code := http.StatusInternalServerError, "transfer_failed"
	switch {
	case errors.Is(err, ErrInvalidRecipient):
		status, code = http.StatusNotFound, "invalid_recipient"
	case errors.Is(err, ErrRecipientWalletMissing):
		status, code = http.StatusUnprocessableEntity, "recipient_wallet_missing"
	case errors.Is(err, ErrSenderWalletMissing):
		status, code = http.StatusUnprocessableEntity, "sender_wallet_missing"
	case errors.Is(err, ErrInsufficientFunds):
		status, code = http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, ErrIdempotencyConflict), errors.Is(err, ErrInProgress):
		status, code = http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, ErrExchangeRateUnavailable):
		status, code = http.StatusBadGateway, "exchange_rate_unavailable"
	case errors.Is(err, ErrTimeout):
		status, code = http.StatusGatewayTimeout, "timeout"
	case IsValidation(err):
		status, code = http.StatusBadRequest, "validation_error"
	}

	body := gin.H{"error": code, "message": err.Error()}
	if out != nil {
		body["outcome"] = out
	}
	c.JSON(status, body)
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
