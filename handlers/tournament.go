package handlers

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"tournament-escrow/middleware"
	"tournament-escrow/models"
	"tournament-escrow/services"
)

// Lifecycle is the controller surface exposed over HTTP.
type Lifecycle interface {
	Create(ctx context.Context, req services.CreateRequest) (*models.TournamentInstance, error)
	Register(ctx context.Context, id, wallet, credential string) (*models.TournamentEntry, error)
	OpenRegistration(ctx context.Context, id string) (*services.TransitionResult, error)
	LockRegistration(ctx context.Context, id string) (*services.TransitionResult, error)
	Start(ctx context.Context, id string) (*services.TransitionResult, error)
	End(ctx context.Context, id string) (*services.TransitionResult, error)
	Complete(ctx context.Context, id string) (*services.TransitionResult, error)
	Cancel(ctx context.Context, id, reason string) (*services.TransitionResult, error)
	DistributePrizes(ctx context.Context, id string, ranking []services.RankedEntry) (services.BatchReport, error)
	RetrySettlements(ctx context.Context, id string) (services.BatchReport, error)
	Report(ctx context.Context, id string) (*services.SettlementReport, error)
}

// Reader serves the read-only listing routes.
type Reader interface {
	GetInstance(ctx context.Context, id string) (*models.TournamentInstance, error)
	ListInstances(ctx context.Context, filter services.InstanceFilter) ([]models.TournamentInstance, error)
	ListEntries(ctx context.Context, tournamentID string, statuses ...models.EntryStatus) ([]models.TournamentEntry, error)
}

type TournamentHandler struct {
	Lifecycle Lifecycle
	Reader    Reader
}

func SetupTournamentRoutes(router fiber.Router, h *TournamentHandler) {
	// 🔓 Reads
	router.Get("/tournaments", h.List)
	router.Get("/tournaments/:id", h.Get)
	router.Get("/tournaments/:id/entries", h.Entries)
	router.Get("/tournaments/:id/report", h.Report)

	// Player registration arrives through the gateway on behalf of the player.
	router.Post("/tournaments/:id/entries", h.Register)

	// 🔒 Operator actions
	operator := middleware.RequireRole("admin", "operator")
	router.Post("/tournaments", operator, h.Create)
	router.Post("/tournaments/:id/transitions/:action", operator, h.Transition)
	router.Post("/tournaments/:id/distribute", operator, h.Distribute)
	router.Post("/tournaments/:id/settlements/retry", operator, h.RetrySettlements)
}

func (h *TournamentHandler) List(c *fiber.Ctx) error {
	filter := services.InstanceFilter{
		VariantKey: c.Query("variant"),
		Unsettled:  c.QueryBool("unsettled"),
		Limit:      c.QueryInt("limit", 100),
	}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := models.TournamentStatus(strings.TrimSpace(s))
			if !st.Valid() {
				return respondError(c, fmt.Errorf("%w: unknown status %q", services.ErrInvalidRequest, s))
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	list, err := h.Reader.ListInstances(c.UserContext(), filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"tournaments": list, "count": len(list)})
}

func (h *TournamentHandler) Get(c *fiber.Ctx) error {
	t, err := h.Reader.GetInstance(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(t)
}

func (h *TournamentHandler) Entries(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.Reader.GetInstance(c.UserContext(), id); err != nil {
		return respondError(c, err)
	}
	entries, err := h.Reader.ListEntries(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"entries": entries, "count": len(entries)})
}

func (h *TournamentHandler) Report(c *fiber.Ctx) error {
	report, err := h.Lifecycle.Report(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(report)
}

type registerBody struct {
	WalletAddress string `json:"wallet_address"`
	Credential    string `json:"credential"`
}

func (h *TournamentHandler) Register(c *fiber.Ctx) error {
	var body registerBody
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, fmt.Errorf("%w: %v", services.ErrInvalidRequest, err))
	}
	entry, err := h.Lifecycle.Register(c.UserContext(), c.Params("id"), strings.TrimSpace(body.WalletAddress), body.Credential)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(entry)
}

func (h *TournamentHandler) Create(c *fiber.Ctx) error {
	var req services.CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, fmt.Errorf("%w: %v", services.ErrInvalidRequest, err))
	}
	t, err := h.Lifecycle.Create(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}
	log.Printf("🛠️ [API] %s created tournament %s", operatorName(c), t.ID)
	return c.Status(fiber.StatusCreated).JSON(t)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (h *TournamentHandler) Transition(c *fiber.Ctx) error {
	ctx, id, action := c.UserContext(), c.Params("id"), c.Params("action")

	var (
		res *services.TransitionResult
		err error
	)
	switch action {
	case "open":
		res, err = h.Lifecycle.OpenRegistration(ctx, id)
	case "lock":
		res, err = h.Lifecycle.LockRegistration(ctx, id)
	case "start":
		res, err = h.Lifecycle.Start(ctx, id)
	case "end":
		res, err = h.Lifecycle.End(ctx, id)
	case "complete":
		res, err = h.Lifecycle.Complete(ctx, id)
	case "cancel":
		var body cancelBody
		if len(c.Body()) > 0 {
			if perr := c.BodyParser(&body); perr != nil {
				return respondError(c, fmt.Errorf("%w: %v", services.ErrInvalidRequest, perr))
			}
		}
		if body.Reason == "" {
			body.Reason = fmt.Sprintf("cancelled by %s", operatorName(c))
		}
		res, err = h.Lifecycle.Cancel(ctx, id, body.Reason)
	default:
		return respondError(c, fmt.Errorf("%w: unknown action %q", services.ErrInvalidRequest, action))
	}
	if err != nil {
		return respondError(c, err)
	}
	log.Printf("🛠️ [API] %s: %s %s (applied=%t)", operatorName(c), action, id, res.Applied)
	return c.JSON(res)
}

type distributeBody struct {
	Ranking []services.RankedEntry `json:"ranking"`
}

func (h *TournamentHandler) Distribute(c *fiber.Ctx) error {
	var body distributeBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return respondError(c, fmt.Errorf("%w: %v", services.ErrInvalidRequest, err))
		}
	}
	report, err := h.Lifecycle.DistributePrizes(c.UserContext(), c.Params("id"), body.Ranking)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"report": report, "done": report.Done()})
}

func (h *TournamentHandler) RetrySettlements(c *fiber.Ctx) error {
	report, err := h.Lifecycle.RetrySettlements(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"report": report, "done": report.Done()})
}

func operatorName(c *fiber.Ctx) string {
	if id := middleware.OperatorID(c); id != "" {
		return id
	}
	return "operator"
}
