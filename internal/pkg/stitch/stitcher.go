package stitch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/KogFlow/app/models"
	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
	"github.com/ManuelReschke/KogFlow/internal/pkg/metrics/counter"
)

const (
	DefaultMaxClips    = 20
	DefaultOverlayText = "Created with KogFlow.app"
	DefaultBucket      = "videos"
)

type Fetcher interface {
	ToFile(ctx context.Context, url, path string) (int64, error)
}

type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error)
}

type VideoRecords interface {
	Create(ctx context.Context, video *models.Video) error
}

type Counter interface {
	Add(ctx context.Context, event string, n int64)
}

type Config struct {
	Bucket      string
	OverlayText string
	ScratchDir  string
	MaxClips    int
}

type Request struct {
	UserID    uint
	ProjectID *uint
	Title     string
	ClipURLs  []string
}

type Stitcher struct {
	cfg     Config
	encoder Encoder
	fetcher Fetcher
	store   ObjectStore
	videos  VideoRecords
	counter Counter
}

func NewStitcher(cfg Config, encoder Encoder, fetcher Fetcher, store ObjectStore, videos VideoRecords, c Counter) *Stitcher {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.OverlayText == "" {
		cfg.OverlayText = DefaultOverlayText
	}
	if cfg.MaxClips <= 0 {
		cfg.MaxClips = DefaultMaxClips
	}
	return &Stitcher{cfg: cfg, encoder: encoder, fetcher: fetcher, store: store, videos: videos, counter: c}
}

// Stitch downloads every clip into a private scratch directory, encodes them
// into one video, uploads it and records a Video row. The scratch directory
// is removed before Stitch returns, whatever the outcome.
//
// A failed insert is logged and the uploaded video is still returned with a
// zero ID.
func (s *Stitcher) Stitch(ctx context.Context, req Request) (*models.Video, error) {
	const op = "stitch.Stitch"

	clips := make([]string, 0, len(req.ClipURLs))
	for _, u := range req.ClipURLs {
		if u = strings.TrimSpace(u); u != "" {
			clips = append(clips, u)
		}
	}
	if len(clips) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, op, "No video URLs provided")
	}
	if len(clips) > s.cfg.MaxClips {
		return nil, apperr.New(apperr.KindInvalidInput, op, fmt.Sprintf("At most %d clips can be stitched", s.cfg.MaxClips))
	}

	runID := uuid.NewString()
	workDir, err := os.MkdirTemp(s.cfg.ScratchDir, "stitch-"+runID+"-")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStitchFailed, op, fmt.Errorf("create scratch dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warnf("[Stitcher] Could not remove scratch dir %s: %v", workDir, err)
		}
	}()

	log.Infof("[Stitcher] Run %s: downloading %d clips", runID, len(clips))
	var manifest strings.Builder
	for i, clipURL := range clips {
		clipPath := filepath.Join(workDir, fmt.Sprintf("clip_%d.mp4", i))
		if _, err := s.fetcher.ToFile(ctx, clipURL, clipPath); err != nil {
			return nil, apperr.Wrap(apperr.KindStitchFailed, op, fmt.Errorf("download clip %d: %w", i, err))
		}
		manifest.WriteString("file '" + filepath.ToSlash(clipPath) + "'\n")
	}

	manifestPath := filepath.Join(workDir, "list.txt")
	if err := os.WriteFile(manifestPath, []byte(manifest.String()), 0o600); err != nil {
		return nil, apperr.Wrap(apperr.KindStitchFailed, op, fmt.Errorf("write manifest: %w", err))
	}

	outputPath := filepath.Join(workDir, "final.mp4")
	if err := s.encoder.Concat(ctx, manifestPath, s.cfg.OverlayText, outputPath); err != nil {
		log.Errorf("[Stitcher] Run %s: encoder failed: %v", runID, err)
		return nil, apperr.Wrap(apperr.KindStitchFailed, op, err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStitchFailed, op, fmt.Errorf("read output: %w", err))
	}

	key := objectKey(req.UserID, req.ProjectID, runID)
	videoURL, err := s.store.Put(ctx, s.cfg.Bucket, key, data, "video/mp4")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStitchFailed, op, fmt.Errorf("upload: %w", err))
	}

	video := &models.Video{
		UserID:     req.UserID,
		ProjectID:  req.ProjectID,
		VideoURL:   videoURL,
		StorageKey: key,
		Title:      req.Title,
		ImageCount: len(clips),
	}
	if err := s.videos.Create(ctx, video); err != nil {
		log.Errorf("[Stitcher] %v", apperr.Wrap(apperr.KindPersistenceFailed, op, err))
	}
	if s.counter != nil {
		s.counter.Add(ctx, counter.EventVideosStitched, 1)
	}

	log.Infof("[Stitcher] Run %s: stored %s", runID, videoURL)
	return video, nil
}

func objectKey(userID uint, projectID *uint, runID string) string {
	project := "none"
	if projectID != nil {
		project = strconv.FormatUint(uint64(*projectID), 10)
	}
	return fmt.Sprintf("%d/%s/%s.mp4", userID, project, runID)
}
