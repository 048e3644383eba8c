/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/friendsincode/grimnir_playout/internal/audio"
	"github.com/friendsincode/grimnir_playout/internal/config"
	"github.com/friendsincode/grimnir_playout/internal/events"
	"github.com/friendsincode/grimnir_playout/internal/logging"
	"github.com/friendsincode/grimnir_playout/internal/mixplan"
	"github.com/friendsincode/grimnir_playout/internal/playlog"
	"github.com/friendsincode/grimnir_playout/internal/playout"
	"github.com/friendsincode/grimnir_playout/internal/telemetry"
)

var (
	logger zerolog.Logger
	cfg    *config.Config

	configPath string
	queuePath  string
)

var rootCmd = &cobra.Command{
	Use:   "grimnirplayout",
	Short: "Grimnir Playout - real-time mix timing and playout engine",
	Long:  "Grimnir Playout mixes a play queue to an output device with sample-accurate segue, overlap and fade transitions.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the playout engine",
	Long:  "Load a play queue and mix it to the configured output device until interrupted",
	RunE:  runServe,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Resolve mix timing for given track metadata",
	Long:  "Print the mix plan (trigger point, air duration, fade) the engine would derive for one track",
	RunE:  runPlan,
}

var planInput struct {
	duration  float64
	cueIn     float64
	segue     float64
	segueFade float64
	overlap   float64
	fade      float64
	breakAft  bool
	loop      bool
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: GRIMNIR_PLAYOUT_CONFIG)")
	serveCmd.Flags().StringVar(&queuePath, "queue", "", "path to the play queue file (YAML)")
	serveCmd.MarkFlagRequired("queue")

	planCmd.Flags().Float64Var(&planInput.duration, "duration", 0, "track duration in seconds")
	planCmd.Flags().Float64Var(&planInput.cueIn, "cue-in", 0, "cue-in offset in seconds")
	planCmd.Flags().Float64Var(&planInput.segue, "segue", -1, "segue offset from cue-in in seconds")
	planCmd.Flags().Float64Var(&planInput.segueFade, "segue-fade", -1, "fade override for the segue in seconds")
	planCmd.Flags().Float64Var(&planInput.overlap, "overlap", -1, "trailing overlap window in seconds")
	planCmd.Flags().Float64Var(&planInput.fade, "fade", 0, "station default fade in seconds")
	planCmd.Flags().BoolVar(&planInput.breakAft, "break-after", false, "stop after this track")
	planCmd.Flags().BoolVar(&planInput.loop, "loop", false, "track loops instead of mixing")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(planCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = logging.Setup(cfg.Environment)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Str("executor", string(cfg.EffectiveExecutorMode())).Msg("Grimnir Playout starting")

	items, err := loadQueue(queuePath, cfg.MediaRoot, cfg.Playback.FadeSeconds)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("queue file %s contains no items", queuePath)
	}

	var plog *playlog.Log
	if cfg.PlayLogPath != "" {
		plog, err = playlog.Open(cfg.PlayLogPath, logger)
		if err != nil {
			return fmt.Errorf("open play log: %w", err)
		}
	}

	metrics := telemetry.NewServer(cfg.MetricsBind, logger)
	metrics.Start()

	bus := events.NewBus()
	backend := audio.NewBeepBackend(cfg.Backend.SampleRate, cfg.Backend.Channels, cfg.Backend.AsyncFileRead, logger)
	device := audio.Device{ID: "default", Name: "default output", RawIndex: -1}

	ctrl := playout.New(cfg, backend, device, bus, plog, logger)
	ctrl.LoadQueue(items)
	if err := ctrl.Play(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully...")
	ctrl.Close()

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metrics.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown failed")
	}

	logger.Info().Msg("Grimnir Playout stopped")
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	timing := mixplan.TrackTiming{
		DurationSeconds: planInput.duration,
		CueInSeconds:    planInput.cueIn,
		FadeSeconds:     planInput.fade,
		BreakAfter:      planInput.breakAft,
		LoopActive:      planInput.loop,
	}
	if planInput.segue >= 0 {
		timing.SegueSeconds = &planInput.segue
	}
	if planInput.segueFade >= 0 {
		timing.SegueFadeSeconds = &planInput.segueFade
	}
	if planInput.overlap >= 0 {
		timing.OverlapSeconds = &planInput.overlap
	}

	plan := mixplan.Resolve(timing)
	fmt.Printf("effective duration: %.3fs\n", plan.EffectiveDurationSeconds)
	fmt.Printf("air duration:       %.3fs\n", plan.AirDurationSeconds)
	if plan.HasMix {
		fmt.Printf("trigger:            %.3fs after cue-in\n", plan.TriggerSeconds)
		fmt.Printf("fade:               %.3fs\n", plan.FadeSeconds)
	} else {
		fmt.Println("no mix: track plays to its natural end")
	}
	return nil
}

// queueEntry is one line of the YAML play queue file.
type queueEntry struct {
	ID        string   `yaml:"id"`
	Path      string   `yaml:"path"`
	Duration  float64  `yaml:"duration"`
	CueIn     float64  `yaml:"cue_in"`
	Segue     *float64 `yaml:"segue"`
	SegueFade *float64 `yaml:"segue_fade"`
	Overlap   *float64 `yaml:"overlap"`
	Fade      *float64 `yaml:"fade"`
	Break     bool     `yaml:"break_after"`
	Loop      bool     `yaml:"loop"`
	LoopStart float64  `yaml:"loop_start"`
	LoopEnd   float64  `yaml:"loop_end"`
	GainDB    float64  `yaml:"gain_db"`
}

func loadQueue(path, mediaRoot string, stationFade float64) ([]playout.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []queueEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	items := make([]playout.Item, 0, len(entries))
	for i, e := range entries {
		if e.Path == "" {
			return nil, fmt.Errorf("queue entry %d has no path", i)
		}
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		p := e.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(mediaRoot, p)
		}
		// The station-wide fade applies to every track that does not set its
		// own; an explicit fade of zero stays zero.
		fade := stationFade
		if e.Fade != nil {
			fade = *e.Fade
		}
		items = append(items, playout.Item{
			ID:   id,
			Path: p,
			Timing: mixplan.TrackTiming{
				DurationSeconds:  e.Duration,
				CueInSeconds:     e.CueIn,
				SegueSeconds:     e.Segue,
				SegueFadeSeconds: e.SegueFade,
				OverlapSeconds:   e.Overlap,
				FadeSeconds:      fade,
				BreakAfter:       e.Break,
				LoopActive:       e.Loop,
			},
			GainDB:           e.GainDB,
			LoopStartSeconds: e.LoopStart,
			LoopEndSeconds:   e.LoopEnd,
		})
	}
	return items, nil
}
