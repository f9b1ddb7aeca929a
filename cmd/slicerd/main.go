// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/forge3d/slicerd/admission"
	"github.com/forge3d/slicerd/faultlog"
	"github.com/forge3d/slicerd/pipeline"
	"github.com/forge3d/slicerd/pkg/process"
	"github.com/forge3d/slicerd/pricing"
	"github.com/forge3d/slicerd/runner"
	"github.com/forge3d/slicerd/server"
	"github.com/forge3d/slicerd/slicing"
)

// config is the full configuration of the slicerd process. Flag names
// derive from the field names, so every value is also settable through the
// environment: admin.api-key becomes ADMIN_API_KEY, max-upload-bytes
// becomes MAX_UPLOAD_BYTES, and so on.
type config struct {
	Address string `help:"address the HTTP server listens on" default:":8080"`

	Admin struct {
		APIKey string `help:"pre-shared key for the pricing admin endpoints; required" default:""`
	}

	MaxUploadBytes int64 `help:"maximum accepted upload size in bytes" default:"104857600"`
	JSONBodyLimit  int64 `help:"maximum accepted JSON body size in bytes" default:"1048576"`

	InputDir   string `help:"directory holding uploads and archive extractions" default:"input"`
	OutputDir  string `help:"directory holding finished artifacts" default:"output"`
	ConfigsDir string `help:"directory holding slicer profiles" default:"configs"`
	ToolsDir   string `help:"directory holding the converter scripts" default:"tools"`

	Python       string  `help:"python interpreter running the converter scripts" default:"python3"`
	DefaultDepth float64 `help:"extrusion depth in millimeters for 2D inputs" default:"2.0"`
	SlicerBin    string  `help:"slicer binary" default:"prusa-slicer"`

	ToolTimeout      time.Duration `help:"hard timeout per external tool invocation" default:"10m"`
	MaxOutputBytes   int64         `help:"captured bytes per tool output stream" default:"10485760"`
	DebugCommandLogs bool          `help:"log the argv of every external command" default:"false"`

	SliceRateLimit admission.LimiterConfig

	MaxConcurrentSlices int           `help:"slice worker pool size; 0 means the CPU count" default:"0"`
	MaxSliceQueueLength int           `help:"pending slice request slots" default:"20"`
	MaxSliceQueueWait   time.Duration `help:"longest a queued request may wait before rejection" default:"30s"`

	MaxZipEntries           int   `help:"maximum entries per uploaded archive" default:"1000"`
	MaxZipUncompressedBytes int64 `help:"maximum uncompressed archive content in bytes" default:"1073741824"`

	Pricing  pricing.Config
	Faultlog faultlog.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "slicerd",
		Short: "HTTP slicing service for 3D print uploads",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the slicing service",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create the working directories and initial configuration",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}

	runCfg   config
	setupCfg config

	confFile string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&confFile, "config", "", "path of the configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	process.Bind(runCmd, &runCfg)
	process.Bind(setupCmd, &setupCfg)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	if runCfg.Admin.APIKey == "" {
		return errs.New("the admin API key is not configured: set ADMIN_API_KEY or --admin.api-key")
	}

	faults := faultlog.New(runCfg.Faultlog)
	defer func() { err = errs.Combine(err, faults.Close()) }()

	registry := pricing.NewRegistry(log.Named("pricing"), runCfg.Pricing)
	if err := registry.Load(); err != nil {
		return err
	}

	run := runner.New(log.Named("runner"), runner.Config{
		ToolTimeout:      runCfg.ToolTimeout,
		MaxOutputBytes:   runCfg.MaxOutputBytes,
		DebugCommandLogs: runCfg.DebugCommandLogs,
	})
	pipe := pipeline.New(log.Named("pipeline"), run, pipeline.Config{
		InputDir:                runCfg.InputDir,
		ToolsDir:                runCfg.ToolsDir,
		Python:                  runCfg.Python,
		DefaultDepth:            runCfg.DefaultDepth,
		MaxZipEntries:           runCfg.MaxZipEntries,
		MaxZipUncompressedBytes: runCfg.MaxZipUncompressedBytes,
	})
	slicer := slicing.New(log.Named("slicing"), run, slicing.Config{
		SlicerBin:  runCfg.SlicerBin,
		ConfigsDir: runCfg.ConfigsDir,
		OutputDir:  runCfg.OutputDir,
	})

	limiter := admission.NewLimiter(runCfg.SliceRateLimit)
	queue := admission.NewQueue(log.Named("queue"), admission.QueueConfig{
		MaxConcurrentSlices: runCfg.MaxConcurrentSlices,
		MaxSliceQueueLength: runCfg.MaxSliceQueueLength,
		MaxSliceQueueWait:   runCfg.MaxSliceQueueWait,
	})

	srv := server.New(log.Named("server"), registry, limiter, queue, pipe, slicer, faults, server.Config{
		Address:        runCfg.Address,
		AdminAPIKey:    runCfg.Admin.APIKey,
		OutputDir:      runCfg.OutputDir,
		MaxUploadBytes: runCfg.MaxUploadBytes,
		JSONBodyLimit:  runCfg.JSONBodyLimit,
	})
	return srv.Run(ctx)
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	log := zap.L()

	dirs := []string{
		setupCfg.InputDir,
		setupCfg.OutputDir,
		setupCfg.ConfigsDir,
		filepath.Dir(setupCfg.Faultlog.Path),
		filepath.Dir(setupCfg.Pricing.File),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errs.Wrap(err)
		}
	}

	// seed the pricing table; a file already present is kept as-is
	registry := pricing.NewRegistry(log.Named("pricing"), setupCfg.Pricing)
	if err := registry.Load(); err != nil {
		return err
	}

	outfile := confFile
	if outfile == "" {
		outfile = "config.yaml"
	}
	log.Info("writing configuration", zap.String("path", outfile))
	return process.SaveConfig(cmd, outfile)
}

func main() {
	process.Exec(rootCmd)
}
