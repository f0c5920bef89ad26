// Command stage submits one local image and waits for the staged result.
//
//	go run ./cmd/stage -user 12 -mode add_furniture -style scandinavian room.jpg
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/ManuelReschke/KogFlow/app/repository"
	"github.com/ManuelReschke/KogFlow/internal/pkg/cache"
	"github.com/ManuelReschke/KogFlow/internal/pkg/config"
	"github.com/ManuelReschke/KogFlow/internal/pkg/database"
	"github.com/ManuelReschke/KogFlow/internal/pkg/download"
	"github.com/ManuelReschke/KogFlow/internal/pkg/env"
	"github.com/ManuelReschke/KogFlow/internal/pkg/generation"
	"github.com/ManuelReschke/KogFlow/internal/pkg/imagegen"
	"github.com/ManuelReschke/KogFlow/internal/pkg/imageprocessor"
	"github.com/ManuelReschke/KogFlow/internal/pkg/ledger"
	"github.com/ManuelReschke/KogFlow/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/KogFlow/internal/pkg/security"
	"github.com/ManuelReschke/KogFlow/internal/pkg/storage"
)

func main() {
	userID := flag.Uint("user", 0, "user id to charge (required)")
	mode := flag.String("mode", imagegen.ModeAddFurniture, "add_furniture, remove_furniture or edit")
	style := flag.String("style", "", "furniture style")
	roomType := flag.String("room", "", "room type")
	instruction := flag.String("instruction", "", "instruction for edit mode")
	flag.Parse()

	if *userID == 0 || flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: stage -user ID [-mode M] [-style S] [-room R] [-instruction I] IMAGE")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatalf("Could not read image: %v", err)
	}

	jobs, err := newOrchestrator(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}

	id := ledger.User(*userID)
	submitted, err := jobs.Submit(ctx, generation.SubmitRequest{
		Identity:    id,
		Image:       data,
		Filename:    filepath.Base(flag.Arg(0)),
		Mode:        *mode,
		Style:       *style,
		RoomType:    *roomType,
		Instruction: *instruction,
	})
	if err != nil {
		log.Fatalf("Submit failed: %v", err)
	}
	log.Printf("Task %s submitted, %d credits left", submitted.TaskID, submitted.Remaining)

	res, err := generation.Watch(ctx, jobs, generation.StatusRequest{
		Identity: id,
		TaskID:   submitted.TaskID,
		Metadata: submitted.Metadata,
	}, generation.WatchOptions{
		Interval: cfg.ImageGen.PollInterval,
		Timeout:  cfg.ImageGen.PollTimeout,
		OnCheck: func(attempt int, res *generation.StatusResult) {
			log.Printf("Check %d: %s", attempt, res.Status)
		},
	})
	if err != nil {
		log.Fatalf("Watch failed: %v", err)
	}
	if res.Status != generation.StatusSuccess {
		log.Fatalf("Generation %s: %s", res.Status, res.Error)
	}
	fmt.Println(res.URL)
}

func newOrchestrator(ctx context.Context, cfg *config.Config) (*generation.Orchestrator, error) {
	db, err := database.SetupDatabase(cfg.DB, false)
	if err != nil {
		return nil, err
	}
	rdb := cache.SetupCache(cfg.Cache)
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	tokens, err := security.NewGuestTokenCodec(cfg.Credits.GuestTokenSecret)
	if err != nil {
		return nil, err
	}
	var provider generation.TaskProvider = imagegen.NewMockClient()
	if cfg.ImageGen.APIKey != "" {
		client, err := imagegen.NewClient(imagegen.Options{
			BaseURL: cfg.ImageGen.BaseURL,
			APIKey:  cfg.ImageGen.APIKey,
			Model:   cfg.ImageGen.Model,
			Timeout: cfg.ImageGen.Timeout,
		})
		if err != nil {
			return nil, err
		}
		provider = client
	}

	repos := repository.NewRepositories(db)
	return generation.New(generation.Config{
		UploadsBucket:  cfg.Storage.UploadsBucket,
		ResultsBucket:  cfg.Storage.ResultsBucket,
		MaxUploadBytes: cfg.App.MaxUploadBytes,
	}, generation.Deps{
		Ledger: ledger.New(repos.User, tokens,
			ledger.WithAllotment(cfg.Credits.FreeDailyCredits),
			ledger.WithResetWindow(cfg.Credits.ResetWindow),
		),
		Provider:    provider,
		Store:       store,
		Records:     repos.Generation,
		Watermarker: imageprocessor.NewWatermarker(imageprocessor.WatermarkOptions{Text: cfg.Watermark.Text}),
		Fetcher:     download.New(cfg.ImageGen.Timeout, cfg.App.MaxUploadBytes*4),
		Claims:      cache.NewClaims(rdb, "kogflow:claim:"),
		Counter:     counter.New(rdb),
	}), nil
}
