//go:build !windows

package main

import (
	"context"
	"fmt"
	"log"

	"github.com/born-ml/born/backend/cpu"

	"github.com/born-ml/en2zh/internal/config"
	"github.com/born-ml/en2zh/internal/dataset"
)

// WebGPU bindings are only published for Windows.
func trainOnDevice(ctx context.Context, cfg config.Config, ds *dataset.Dataset, logger *log.Logger) error {
	if cfg.Train.Device == "webgpu" {
		return fmt.Errorf("WebGPU backend is not supported on this platform")
	}
	logger.Printf("using CPU backend")
	return runTraining(ctx, cfg, cpu.New(), ds, logger)
}
