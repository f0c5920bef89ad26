package controllers

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/KogFlow/app/models"
	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
	"github.com/ManuelReschke/KogFlow/internal/pkg/stitch"
	"github.com/ManuelReschke/KogFlow/internal/pkg/storage"
	"github.com/ManuelReschke/KogFlow/internal/pkg/usercontext"
	"github.com/ManuelReschke/KogFlow/internal/pkg/videogen"
)

type BatchDispatcher interface {
	Dispatch(ctx context.Context, req videogen.BatchRequest) (*videogen.BatchResult, error)
}

type ClipPoller interface {
	Query(ctx context.Context, taskID string) (*videogen.ClipStatus, error)
}

type VideoStitcher interface {
	Stitch(ctx context.Context, req stitch.Request) (*models.Video, error)
}

type VideoStore interface {
	GetByID(ctx context.Context, id uint) (*models.Video, error)
	ListByUser(ctx context.Context, userID uint, projectID *uint) ([]models.Video, error)
	Delete(ctx context.Context, id uint) error
}

type ObjectDeleter interface {
	Delete(ctx context.Context, bucket, key string) error
}

// VideoController serves batch clip dispatch, clip polling and stitching.
type VideoController struct {
	dispatcher BatchDispatcher
	poller     ClipPoller
	stitcher   VideoStitcher
	videos     VideoStore
	objects    ObjectDeleter
	bucket     string
	publicBase string
	validate   *validator.Validate
}

func NewVideoController(dispatcher BatchDispatcher, poller ClipPoller, stitcher VideoStitcher, videos VideoStore, objects ObjectDeleter, bucket string) *VideoController {
	return &VideoController{
		dispatcher: dispatcher,
		poller:     poller,
		stitcher:   stitcher,
		videos:     videos,
		objects:    objects,
		bucket:     bucket,
		validate:   validator.New(),
	}
}

// WithPublicBaseURL lets deletes recover the object key from the video URL
// of rows stored without one.
func (vc *VideoController) WithPublicBaseURL(base string) *VideoController {
	vc.publicBase = base
	return vc
}

type dispatchRequest struct {
	ImageURLs   []string `json:"imageUrls" validate:"required,min=1,dive,required,url"`
	Title       string   `json:"title" validate:"max=255"`
	AspectRatio string   `json:"aspectRatio" validate:"omitempty,oneof=16:9 9:16 1:1 4:3 3:4"`
}

type stitchRequest struct {
	VideoURLs []string `json:"videoUrls" validate:"required,min=1,dive,required,url"`
	Title     string   `json:"title" validate:"max=255"`
	ProjectID *uint    `json:"projectId"`
}

// HandleDispatch submits one clip per image. A provider rate limit answers
// 429 with the partial result so the caller knows which images went out.
func (vc *VideoController) HandleDispatch(c *fiber.Ctx) error {
	const op = "controllers.HandleDispatch"

	var req dispatchRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, op, "Invalid request body")
	}
	if err := vc.validate.Struct(req); err != nil {
		return badRequest(c, op, "imageUrls must be a non-empty list of URLs")
	}

	result, err := vc.dispatcher.Dispatch(c.UserContext(), videogen.BatchRequest{
		ImageURLs:   req.ImageURLs,
		Title:       req.Title,
		AspectRatio: req.AspectRatio,
	})
	if err != nil {
		if result != nil && apperr.IsKind(err, apperr.KindProviderRateLimited) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   string(apperr.KindProviderRateLimited),
				"message": apperr.MessageOf(err),
				"partial": result,
			})
		}
		return writeError(c, err)
	}
	return c.JSON(result)
}

// HandleClipStatus polls one clip.
func (vc *VideoController) HandleClipStatus(c *fiber.Ctx) error {
	status, err := vc.poller.Query(c.UserContext(), c.Params("taskId"))
	if err != nil {
		if apperr.IsKind(err, apperr.KindPollTransport) {
			return c.JSON(fiber.Map{"taskId": c.Params("taskId"), "status": "error", "error": apperr.MessageOf(err)})
		}
		return writeError(c, err)
	}
	return c.JSON(status)
}

// HandleStitch concatenates finished clips into one video owned by the user.
func (vc *VideoController) HandleStitch(c *fiber.Ctx) error {
	const op = "controllers.HandleStitch"

	var req stitchRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, op, "Invalid request body")
	}
	if err := vc.validate.Struct(req); err != nil {
		return badRequest(c, op, "No video URLs provided")
	}

	video, err := vc.stitcher.Stitch(c.UserContext(), stitch.Request{
		UserID:    usercontext.GetUserID(c),
		ProjectID: req.ProjectID,
		Title:     req.Title,
		ClipURLs:  req.VideoURLs,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "videoUrl": video.VideoURL, "video": video})
}

// HandleList returns the user's videos, optionally for one project.
func (vc *VideoController) HandleList(c *fiber.Ctx) error {
	projectID, ok := optionalUint(c.Query("projectId"))
	if !ok {
		return badRequest(c, "controllers.HandleListVideos", "projectId must be a number")
	}
	videos, err := vc.videos.ListByUser(c.UserContext(), usercontext.GetUserID(c), projectID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"videos": videos})
}

// HandleDelete removes the row and, best effort, the stored object.
func (vc *VideoController) HandleDelete(c *fiber.Ctx) error {
	const op = "controllers.HandleDeleteVideo"

	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, op, "invalid video id")
	}
	video, err := vc.videos.GetByID(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return writeError(c, apperr.New(apperr.KindNotFound, op, "Video not found"))
		}
		return writeError(c, err)
	}
	uc := usercontext.GetUserContext(c)
	if video.UserID != uc.UserID && !uc.IsAdmin {
		return writeError(c, apperr.New(apperr.KindNotFound, op, "Video not found"))
	}

	if err := vc.videos.Delete(c.UserContext(), id); err != nil {
		return writeError(c, err)
	}
	key := video.StorageKey
	if key == "" && vc.publicBase != "" {
		key = storage.KeyFromURL(vc.publicBase, vc.bucket, video.VideoURL)
	}
	if key != "" && vc.objects != nil {
		if err := vc.objects.Delete(c.UserContext(), vc.bucket, key); err != nil {
			log.Warnf("[API] Video %d deleted but object %s remains: %v", id, key, err)
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}
