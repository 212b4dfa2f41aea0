// handlers/rewards.go
package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"confess-rewards/issuer"
	"confess-rewards/middleware"
	"confess-rewards/services"
)

type RewardHandler struct {
	Orchestrator *services.RewardOrchestrator
}

func NewRewardHandler(o *services.RewardOrchestrator) *RewardHandler {
	return &RewardHandler{Orchestrator: o}
}

// SetupRewardRoutes mounts the public, user and admin surfaces. validator may
// be nil, in which case the SSE stream is not exposed.
func SetupRewardRoutes(app *fiber.App, h *RewardHandler, validator middleware.TokenValidator) {
	signupLimiter := limiter.New(limiter.Config{
		Max:        100,
		Expiration: 15 * time.Minute,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many signup attempts, please try again later",
			})
		},
	})

	app.Post("/signup", signupLimiter, h.Signup)
	app.Get("/referral/check/:code", h.CheckReferralCode)

	// registered before the /users/me group so header-based user context does not apply
	if validator != nil {
		app.Get("/users/me/rewards/stream", middleware.SSEAuthMiddleware(validator), h.Orchestrator.Users.StreamRewardStatusSSE)
	}

	me := app.Group("/users/me", middleware.UserContextMiddleware())
	me.Put("/wallet", h.SetWallet)
	me.Get("/rewards", h.RewardStatus)
	me.Post("/rewards/claim", h.ClaimReward)
	me.Post("/referral-rewards/claim", h.ClaimReferralRewards)

	app.Get("/users/:id", h.GetUser)
	app.Get("/users/:id/referral-rewards", h.ReferralRewards)

	admin := app.Group("/admin", middleware.UserContextMiddleware(), middleware.RequireRole("admin"))
	admin.Post("/referrals", h.RegisterReferral)
	admin.Post("/rewards/run", h.RunBatch)
	admin.Post("/users/:id/reward", h.GrantReward)
}

type signupRequest struct {
	Username      string  `json:"username"`
	Email         string  `json:"email"`
	FirstName     *string `json:"first_name"`
	LastName      *string `json:"last_name"`
	WalletAddress string  `json:"wallet_address"`
	ReferralCode  string  `json:"referral_code"`
}

type setWalletRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type registerReferralRequest struct {
	ReferralCode  string `json:"referral_code"`
	WalletAddress string `json:"wallet_address"`
}

func (h *RewardHandler) Signup(c *fiber.Ctx) error {
	var req signupRequest
	if err := decodeStrict(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Email) == "" {
		return badRequest(c, "username and email are required")
	}

	result, err := h.Orchestrator.Signup(c.UserContext(), services.SignupRequest{
		Username:      req.Username,
		Email:         req.Email,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		WalletAddress: req.WalletAddress,
		ReferralCode:  req.ReferralCode,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *RewardHandler) CheckReferralCode(c *fiber.Ctx) error {
	check, err := h.Orchestrator.Users.CheckReferralCode(c.UserContext(), c.Params("code"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(check)
}

func (h *RewardHandler) GetUser(c *fiber.Ctx) error {
	user, err := h.Orchestrator.Users.GetUser(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(user)
}

func (h *RewardHandler) ReferralRewards(c *fiber.Ctx) error {
	user, err := h.Orchestrator.Users.GetUser(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"referral_rewards": user.ReferralRewards})
}

func (h *RewardHandler) SetWallet(c *fiber.Ctx) error {
	var req setWalletRequest
	if err := decodeStrict(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if strings.TrimSpace(req.WalletAddress) == "" {
		return badRequest(c, "wallet_address is required")
	}
	user, err := h.Orchestrator.Users.SetWallet(c.UserContext(), middleware.UserID(c), req.WalletAddress)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(user)
}

func (h *RewardHandler) RewardStatus(c *fiber.Ctx) error {
	status, err := h.Orchestrator.Users.RewardStatus(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(status)
}

func (h *RewardHandler) ClaimReward(c *fiber.Ctx) error {
	txID, err := h.Orchestrator.ClaimReward(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"tx_id": txID})
}

func (h *RewardHandler) ClaimReferralRewards(c *fiber.Ctx) error {
	results, err := h.Orchestrator.ClaimReferralRewards(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"results": results})
}

func (h *RewardHandler) RegisterReferral(c *fiber.Ctx) error {
	var req registerReferralRequest
	if err := decodeStrict(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	if strings.TrimSpace(req.ReferralCode) == "" {
		return badRequest(c, "referral_code is required")
	}
	if req.WalletAddress != "" {
		if err := issuer.ValidateAddress(req.WalletAddress); err != nil {
			return badRequest(c, err.Error())
		}
	}

	entry, err := h.Orchestrator.Ledger.RegisterReferral(c.UserContext(), req.ReferralCode, req.WalletAddress)
	if err != nil {
		return respondError(c, err)
	}
	if entry == nil {
		return c.JSON(fiber.Map{"registered": false})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"registered": true, "referral": entry})
}

func (h *RewardHandler) RunBatch(c *fiber.Ctx) error {
	report, err := h.Orchestrator.ProcessRewards(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(report)
}

func (h *RewardHandler) GrantReward(c *fiber.Ctx) error {
	if err := h.Orchestrator.GrantReward(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"granted": true})
}

// decodeStrict rejects unknown fields and trailing data.
func decodeStrict(c *fiber.Ctx, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(c.Body()))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func respondError(c *fiber.Ctx, err error) error {
	var failure *issuer.Failure
	switch {
	case errors.Is(err, services.ErrUserNotFound), errors.Is(err, services.ErrReferralNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrEmailTaken), errors.Is(err, services.ErrRewardInFlight):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidUser),
		errors.Is(err, services.ErrInvalidWallet),
		errors.Is(err, services.ErrWalletRequired),
		errors.Is(err, services.ErrNoRewardToClaim):
		return badRequest(c, err.Error())
	case errors.As(err, &failure):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":  "reward transfer failed",
			"reason": failure.Reason,
		})
	}
	log.Printf("❌ [Handlers] %s %s: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
}
