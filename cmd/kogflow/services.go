package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/KogFlow/app/controllers"
	"github.com/ManuelReschke/KogFlow/app/repository"
	"github.com/ManuelReschke/KogFlow/internal/pkg/billing"
	"github.com/ManuelReschke/KogFlow/internal/pkg/cache"
	"github.com/ManuelReschke/KogFlow/internal/pkg/config"
	"github.com/ManuelReschke/KogFlow/internal/pkg/database"
	"github.com/ManuelReschke/KogFlow/internal/pkg/download"
	"github.com/ManuelReschke/KogFlow/internal/pkg/generation"
	"github.com/ManuelReschke/KogFlow/internal/pkg/imagegen"
	"github.com/ManuelReschke/KogFlow/internal/pkg/imageprocessor"
	"github.com/ManuelReschke/KogFlow/internal/pkg/ledger"
	"github.com/ManuelReschke/KogFlow/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/KogFlow/internal/pkg/middleware"
	"github.com/ManuelReschke/KogFlow/internal/pkg/router"
	"github.com/ManuelReschke/KogFlow/internal/pkg/security"
	"github.com/ManuelReschke/KogFlow/internal/pkg/stitch"
	"github.com/ManuelReschke/KogFlow/internal/pkg/storage"
	"github.com/ManuelReschke/KogFlow/internal/pkg/videogen"
)

const (
	claimPrefix         = "kogflow:claim:"
	videoLimiterKey     = "kogflow:videogen:next"
	maxClipDownloadSize = 512 << 20
)

type services struct {
	redis    *redis.Client
	handlers router.Handlers
}

func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	db, err := database.SetupDatabase(cfg.DB, cfg.App.IsDev())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	rdb := cache.SetupCache(cfg.Cache)
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	repository.InitializeFactory(db)
	factory := repository.GetGlobalFactory()
	repos := factory.GetRepositories()
	counters := counter.New(rdb)

	tokens, err := security.NewGuestTokenCodec(cfg.Credits.GuestTokenSecret)
	if err != nil {
		return nil, fmt.Errorf("guest tokens: %w", err)
	}
	credits := ledger.New(repos.User, tokens,
		ledger.WithAllotment(cfg.Credits.FreeDailyCredits),
		ledger.WithResetWindow(cfg.Credits.ResetWindow),
	)
	policies, err := debitPolicies(cfg.Credits)
	if err != nil {
		return nil, err
	}

	images, err := imageProvider(cfg)
	if err != nil {
		return nil, err
	}
	fetcher := download.New(cfg.ImageGen.Timeout, cfg.App.MaxUploadBytes*4)
	jobs := generation.New(generation.Config{
		UploadsBucket:        cfg.Storage.UploadsBucket,
		ResultsBucket:        cfg.Storage.ResultsBucket,
		MaxUploadBytes:       cfg.App.MaxUploadBytes,
		Policies:             policies,
		RefundGuestOnFailure: cfg.Credits.RefundGuestOnFailure,
	}, generation.Deps{
		Ledger:   credits,
		Provider: images,
		Store:    store,
		Records:  repos.Generation,
		Watermarker: imageprocessor.NewWatermarker(imageprocessor.WatermarkOptions{
			Text:        cfg.Watermark.Text,
			Opacity:     cfg.Watermark.Opacity,
			JPEGQuality: cfg.Watermark.JPEGQuality,
		}),
		Fetcher: fetcher,
		Claims:  cache.NewClaims(rdb, claimPrefix),
		Counter: counters,
	})

	clips, err := videoProvider(cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := videogen.NewDispatcher(clips, videoLimiter(cfg.VideoGen, rdb), counters, cfg.Stitch.MaxClips)

	encoder := stitch.NewFFmpegEncoder(cfg.Stitch.FFmpegPath, cfg.Stitch.FontFile)
	if !encoder.Available() {
		log.Warnf("[Stitch] %s not found, stitching will fail", cfg.Stitch.FFmpegPath)
	}
	stitcher := stitch.NewStitcher(stitch.Config{
		Bucket:      cfg.Storage.VideosBucket,
		OverlayText: cfg.Stitch.OverlayText,
		ScratchDir:  cfg.Stitch.ScratchDir,
		MaxClips:    cfg.Stitch.MaxClips,
	}, encoder, download.New(cfg.VideoGen.Timeout, maxClipDownloadSize), store, repos.Video, counters)

	payments := billing.NewServiceFromDB(factory.DB(), credits, cfg.Billing.Provider, cfg.Billing.WebhookSecret)

	cookies := controllers.NewGuestCookies(tokens, !cfg.App.IsDev())
	return &services{
		redis: rdb,
		handlers: router.Handlers{
			Identity:    middleware.Identity(repos.User),
			Generations: controllers.NewGenerationController(jobs, credits, repos.Generation, cookies),
			Videos:      controllers.NewVideoController(dispatcher, clips, stitcher, repos.Video, store, cfg.Storage.VideosBucket).
				WithPublicBaseURL(cfg.Storage.PublicBaseURL),
			Admin:       controllers.NewAdminController(credits, counters),
			Billing:     controllers.NewBillingController(payments),
			Health: controllers.HandleHealth(map[string]controllers.HealthCheck{
				"database": factory.Ping,
				"cache":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
				"storage":  store.Check,
			}),
		},
	}, nil
}

func debitPolicies(cfg config.CreditsConfig) (ledger.Policies, error) {
	guest, err := ledger.ParseDebitPolicy(cfg.GuestDebitPolicy)
	if err != nil {
		return ledger.Policies{}, fmt.Errorf("GUEST_DEBIT_POLICY: %w", err)
	}
	user, err := ledger.ParseDebitPolicy(cfg.UserDebitPolicy)
	if err != nil {
		return ledger.Policies{}, fmt.Errorf("USER_DEBIT_POLICY: %w", err)
	}
	return ledger.Policies{Guest: guest, User: user}, nil
}

// imageProvider falls back to the mock client in dev when no key is set.
func imageProvider(cfg *config.Config) (generation.TaskProvider, error) {
	if cfg.ImageGen.APIKey == "" && cfg.App.IsDev() {
		log.Warn("[ImageGen] KIE_API_KEY not set, using mock provider")
		return imagegen.NewMockClient(), nil
	}
	client, err := imagegen.NewClient(imagegen.Options{
		BaseURL: cfg.ImageGen.BaseURL,
		APIKey:  cfg.ImageGen.APIKey,
		Model:   cfg.ImageGen.Model,
		Timeout: cfg.ImageGen.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("image provider: %w", err)
	}
	log.Infof("[ImageGen] Using model %s", client.Model())
	return client, nil
}

type clipProvider interface {
	videogen.ClipSubmitter
	controllers.ClipPoller
}

func videoProvider(cfg *config.Config) (clipProvider, error) {
	if cfg.VideoGen.APIKey == "" && cfg.App.IsDev() {
		log.Warn("[VideoGen] RUNNINGHUB_API_KEY not set, using mock provider")
		return videogen.MockClient{}, nil
	}
	client, err := videogen.NewClient(videogen.Options{
		BaseURL: cfg.VideoGen.BaseURL,
		APIKey:  cfg.VideoGen.APIKey,
		AppID:   cfg.VideoGen.AppID,
		Timeout: cfg.VideoGen.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("video provider: %w", err)
	}
	return client, nil
}

func videoLimiter(cfg config.VideoGenConfig, rdb *redis.Client) videogen.RateLimiter {
	if strings.EqualFold(cfg.RateLimiter, "redis") {
		return videogen.NewRedisLimiter(rdb, videoLimiterKey, cfg.Interval)
	}
	return videogen.NewLocalLimiter(cfg.Interval)
}
