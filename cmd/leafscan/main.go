package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/agrolab/leafscan"
	"github.com/agrolab/leafscan/internal/config"
	"github.com/agrolab/leafscan/internal/utils"
	"github.com/agrolab/leafscan/pkg/advisor"
	"github.com/agrolab/leafscan/pkg/diseaseclient"
	"github.com/agrolab/leafscan/pkg/processing"
	"github.com/agrolab/leafscan/pkg/segmentation"
)

func main() {
	var in, ref, cfgPath, apiURL, outDir string
	var refArea float64
	var size int
	var offline, advise, debug, verbose bool

	flag.StringVar(&in, "in", "", "leaf image path or URL (jpg/png/webp)")
	flag.StringVar(&ref, "ref", "", "reference object image path (defaults to the leaf image)")
	flag.Float64Var(&refArea, "refarea", 0, "reference object area in cm² (default from config)")
	flag.StringVar(&cfgPath, "config", "", "config file path (JSON)")
	flag.StringVar(&apiURL, "url", "", "prediction service URL (overrides config)")
	flag.IntVar(&size, "size", 0, "model input size: 128 or 224 (overrides config)")
	flag.StringVar(&outDir, "out", "", "output directory for result JSON and overlays")
	flag.BoolVar(&offline, "offline", false, "skip the remote disease prediction")
	flag.BoolVar(&advise, "advise", false, "ask the configured Ollama model for care advice")
	flag.BoolVar(&debug, "debug", false, "write an overlay image marking the detected leaf")
	flag.BoolVar(&verbose, "v", false, "log prediction run phases")
	flag.Parse()

	if in == "" {
		log.Fatalf("usage: %s -in leaf.jpg|URL [-ref reference.jpg] [-refarea 4.0] [-url service_url] [-offline] [-advise] [-debug]",
			filepath.Base(os.Args[0]))
	}

	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.LoadFromFile(cfgPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if apiURL != "" {
		cfg.API.BaseURL = apiURL
	}
	if size > 0 {
		cfg.API.TargetWidth = size
		cfg.API.TargetHeight = size
	}
	if refArea > 0 {
		cfg.Calibration.ReferenceAreaCm2 = refArea
	}
	if outDir != "" {
		cfg.Output.Dir = outDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	clientConfig := diseaseclient.Config{
		BaseURL:        cfg.API.BaseURL,
		Timeout:        cfg.API.Timeout(),
		MaxAttempts:    cfg.API.MaxAttempts,
		RetryDelay:     cfg.API.RetryDelay(),
		MinConfidence:  cfg.API.MinConfidence,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		TargetWidth:    cfg.API.TargetWidth,
		TargetHeight:   cfg.API.TargetHeight,
		JPEGQuality:    cfg.API.JPEGQuality,
	}
	if verbose {
		clientConfig.OnState = func(s diseaseclient.State) {
			log.Printf("prediction: %s", s)
		}
	}

	analyzer := leafscan.NewWithConfig(segmentation.Config{
		GreenDominance: cfg.Segmentation.GreenDominance,
		MinLeafRatio:   cfg.Segmentation.MinLeafRatio,
		MaxLeafRatio:   cfg.Segmentation.MaxLeafRatio,
	}, clientConfig)

	if advise {
		if cfg.Advisor.URL == "" {
			log.Fatal("-advise requires advisor.url in config or LEAFSCAN_ADVISOR_URL")
		}
		adv, err := advisor.New(cfg.Advisor.URL, cfg.Advisor.Model)
		if err != nil {
			log.Fatalf("Failed to create advisor: %v", err)
		}
		analyzer.SetAdvisor(adv)
	}

	processor := processing.NewProcessor()

	img, err := processor.LoadImageSmart(in)
	if err != nil {
		log.Fatal(err)
	}
	if info, err := os.Stat(in); err == nil {
		log.Printf("loaded %s (%s)", in, utils.FormatFileSize(info.Size()))
	}

	refImg := img
	if ref != "" {
		refImg, err = processor.LoadImageSmart(ref)
		if err != nil {
			log.Fatal(err)
		}
	}

	cal, err := analyzer.Calibrate(cfg.Calibration.ReferenceAreaCm2, refImg)
	if err != nil {
		log.Fatalf("Calibration failed: %v", err)
	}
	log.Printf("calibrated: %.6f cm²/px over %d reference pixels", cal.PixelToAreaRatio, cal.ReferencePixelCount)

	runner := leafscan.NewRunner(analyzer)
	result, err := runner.Analyze(context.Background(), img, leafscan.RunOptions{
		Predict: !offline,
		Advise:  advise,
	})
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	log.Printf("leaf: %.1f cm², %.1fx%.1f cm, health %.2f, stress %.0f/100, stage %s",
		result.Measurement.AreaCm2, result.Measurement.WidthCm, result.Measurement.HeightCm,
		result.Health.OverallHealthScore, result.Health.StressLevel, result.GrowthStage.Stage)
	if result.Disease != nil {
		log.Printf("disease: %s (%.1f%% confidence)", result.Disease.PredictedClass, result.Disease.Confidence*100)
		if result.Disease.Warning != "" {
			log.Printf("warning: %s", result.Disease.Warning)
		}
	}
	if result.Advice != "" {
		fmt.Println("\nCare advice:")
		fmt.Println(result.Advice)
	}

	if err := utils.EnsureDir(cfg.Output.Dir); err != nil {
		log.Fatal(err)
	}

	resultPath := utils.GenerateOutputFilename(in, cfg.Output.Dir, "_analysis", "json")
	js, _ := json.MarshalIndent(result, "", "  ")
	if err := os.WriteFile(resultPath, js, 0o644); err != nil {
		log.Fatalf("Failed to write result: %v", err)
	}
	log.Printf("wrote %s", resultPath)

	if debug {
		overlay := processor.CreateDebugOverlay(img, result.LeafBounds)
		overlayPath := utils.GenerateOutputFilename(in, cfg.Output.Dir, "_overlay", cfg.Output.OverlayFormat)
		if err := processor.SaveImage(overlay, overlayPath, cfg.Output.OverlayFormat, cfg.Output.Quality); err != nil {
			log.Printf("overlay save failed: %v", err)
		} else {
			log.Printf("wrote %s", overlayPath)
		}
	}
}
