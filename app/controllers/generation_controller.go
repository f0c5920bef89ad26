package controllers

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/KogFlow/app/models"
	"github.com/ManuelReschke/KogFlow/internal/pkg/generation"
	"github.com/ManuelReschke/KogFlow/internal/pkg/ledger"
	"github.com/ManuelReschke/KogFlow/internal/pkg/usercontext"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	profileRecentCount  = 6
)

type GenerationService interface {
	Submit(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error)
	CheckStatus(ctx context.Context, req generation.StatusRequest) (*generation.StatusResult, error)
}

type BalanceReader interface {
	CheckBalance(ctx context.Context, id ledger.Identity) (ledger.Balance, error)
}

type HistoryReader interface {
	ListByUser(ctx context.Context, userID uint, offset, limit int) ([]models.Generation, error)
	CountByUser(ctx context.Context, userID uint) (int64, error)
}

// GenerationController serves image jobs, balances and history.
type GenerationController struct {
	jobs     GenerationService
	balances BalanceReader
	history  HistoryReader
	cookies  *GuestCookies
	validate *validator.Validate
}

func NewGenerationController(jobs GenerationService, balances BalanceReader, history HistoryReader, cookies *GuestCookies) *GenerationController {
	return &GenerationController{
		jobs:     jobs,
		balances: balances,
		history:  history,
		cookies:  cookies,
		validate: validator.New(),
	}
}

type statusRequest struct {
	TaskID   string              `json:"taskId" validate:"required,max=128"`
	Metadata generation.Metadata `json:"metadata"`
}

type balanceResponse struct {
	Remaining  int        `json:"remaining"`
	CanProceed bool       `json:"canProceed"`
	Tier       string     `json:"tier"`
	ResetAt    *time.Time `json:"resetAt,omitempty"`
	IsGuest    bool       `json:"isGuest"`
}

// HandleSubmit accepts a multipart form with the source image in "image".
func (gc *GenerationController) HandleSubmit(c *fiber.Ctx) error {
	const op = "controllers.HandleSubmit"

	file, err := c.FormFile("image")
	if err != nil {
		return badRequest(c, op, "No image provided")
	}
	f, err := file.Open()
	if err != nil {
		return badRequest(c, op, "Image could not be read")
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return badRequest(c, op, "Image could not be read")
	}
	projectID, ok := optionalUint(c.FormValue("projectId"))
	if !ok {
		return badRequest(c, op, "projectId must be a number")
	}

	result, err := gc.jobs.Submit(c.UserContext(), generation.SubmitRequest{
		Identity:    identityOf(c),
		Image:       data,
		Filename:    file.Filename,
		Mode:        c.FormValue("mode"),
		Style:       c.FormValue("style"),
		RoomType:    c.FormValue("roomType"),
		Instruction: c.FormValue("instruction"),
		AspectRatio: c.FormValue("aspectRatio"),
		ProjectID:   projectID,
	})
	if result != nil {
		gc.cookies.Set(c, result.GuestToken)
	}
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"taskId":    result.TaskID,
		"metadata":  result.Metadata,
		"remaining": result.Remaining,
		"resetAt":   timePtr(result.ResetAt),
	})
}

// HandleStatus checks a task once. The caller polls; metadata is the value
// returned by HandleSubmit.
func (gc *GenerationController) HandleStatus(c *fiber.Ctx) error {
	const op = "controllers.HandleStatus"

	var req statusRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, op, "Invalid request body")
	}
	if err := gc.validate.Struct(req); err != nil {
		return badRequest(c, op, "taskId is required")
	}

	result, err := gc.jobs.CheckStatus(c.UserContext(), generation.StatusRequest{
		Identity: identityOf(c),
		TaskID:   req.TaskID,
		Metadata: req.Metadata,
	})
	if err != nil {
		return writeError(c, err)
	}
	gc.cookies.Set(c, result.GuestToken)

	body := fiber.Map{"status": result.Status}
	if result.URL != "" {
		body["url"] = result.URL
		body["watermarked"] = result.Watermarked
		body["duplicate"] = result.Duplicate
	}
	if result.Error != "" {
		body["error"] = result.Error
	}
	return c.JSON(body)
}

// HandleBalance reports the caller's credits. Guests get their normalized
// token back as a cookie.
func (gc *GenerationController) HandleBalance(c *fiber.Ctx) error {
	id := identityOf(c)
	balance, err := gc.balances.CheckBalance(c.UserContext(), id)
	if err != nil {
		return writeError(c, err)
	}
	gc.cookies.Set(c, balance.GuestToken)
	return c.JSON(toBalanceResponse(id, balance))
}

// HandleHistory lists the user's generations, newest first.
func (gc *GenerationController) HandleHistory(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	items, err := gc.history.ListByUser(c.UserContext(), userID, offset, limit)
	if err != nil {
		return writeError(c, err)
	}
	total, err := gc.history.CountByUser(c.UserContext(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"generations": items,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// HandleProfile returns the balance, tier and next reset of the user along
// with the most recent generations.
func (gc *GenerationController) HandleProfile(c *fiber.Ctx) error {
	uc := usercontext.GetUserContext(c)
	id := ledger.User(uc.UserID)
	balance, err := gc.balances.CheckBalance(c.UserContext(), id)
	if err != nil {
		return writeError(c, err)
	}
	recent, err := gc.history.ListByUser(c.UserContext(), uc.UserID, 0, profileRecentCount)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"userId":      uc.UserID,
		"username":    uc.Username,
		"credits":     toBalanceResponse(id, balance),
		"generations": recent,
	})
}

func toBalanceResponse(id ledger.Identity, b ledger.Balance) balanceResponse {
	return balanceResponse{
		Remaining:  b.Remaining,
		CanProceed: b.CanProceed,
		Tier:       string(b.Tier),
		ResetAt:    timePtr(b.ResetAt),
		IsGuest:    id.IsGuest(),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func parseID(c *fiber.Ctx, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Params(name), 10, 32)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}
