package wallet

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// Store is a Ledger that can also mint credit and list history. Both
// PGLedger and MemoryLedger satisfy it.
type Store interface {
	Ledger
	Credit(ctx context.Context, account Account, amount int64, memo string) (Receipt, error)
	History(ctx context.Context, account Account, limit int) ([]Transaction, error)
}

// Handler serves the wallet routes.
type Handler struct {
	agent    *EscrowAgent
	store    Store
	validate *validator.Validate
	log      logrus.FieldLogger
}

func NewHandler(agent *EscrowAgent, store Store, log logrus.FieldLogger) *Handler {
	return &Handler{agent: agent, store: store, validate: validator.New(), log: log}
}

type TopupRequest struct {
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Memo   string `json:"memo" validate:"max=140"`
}

// Balance returns the authenticated user's wallet balance
func (h *Handler) Balance(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	balance, err := h.agent.Balance(c.Request().Context(), uid)
	if err != nil {
		h.log.WithField("user_id", uid).WithError(err).Warn("balance lookup failed")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "ledger unavailable", "retry": true})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"user_id": uid,
		"balance": balance,
	})
}

// Transactions returns the newest ledger movements touching the user's wallet
func (h *Handler) Transactions(c echo.Context) error {
	uid, ok := c.Get("user_id").(string)
	if !ok || uid == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized or invalid user"})
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "limit must be between 1 and 500"})
		}
		limit = n
	}

	txs, err := h.store.History(c.Request().Context(), UserAccount(uid), limit)
	if err != nil {
		h.log.WithField("user_id", uid).WithError(err).Error("could not fetch transactions")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch transactions"})
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return c.JSON(http.StatusOK, txs)
}

// Topup credits a user's wallet from the mint. Admin only.
func (h *Handler) Topup(c echo.Context) error {
	userID := c.Param("id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing user id"})
	}

	req := new(TopupRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	memo := req.Memo
	if memo == "" {
		memo = "operator top-up"
	}
	receipt, err := h.store.Credit(c.Request().Context(), UserAccount(userID), req.Amount, memo)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		h.log.WithFields(logrus.Fields{"user_id": userID, "amount": req.Amount}).WithError(err).Error("topup failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not credit wallet"})
	}

	h.log.WithFields(logrus.Fields{
		"user_id":     userID,
		"amount":      req.Amount,
		"transfer_id": receipt.TransferID,
		"admin_id":    c.Get("user_id"),
	}).Info("wallet topped up")

	return c.JSON(http.StatusOK, receipt)
}
