//go:build windows

package main

import (
	"context"
	"fmt"
	"log"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/backend/webgpu"

	"github.com/born-ml/en2zh/internal/config"
	"github.com/born-ml/en2zh/internal/dataset"
)

func trainOnDevice(ctx context.Context, cfg config.Config, ds *dataset.Dataset, logger *log.Logger) error {
	if cfg.Train.Device != "webgpu" {
		logger.Printf("using CPU backend")
		return runTraining(ctx, cfg, cpu.New(), ds, logger)
	}

	if !webgpu.IsAvailable() {
		return fmt.Errorf("WebGPU is not available on this system")
	}
	gpu, err := webgpu.New()
	if err != nil {
		return fmt.Errorf("failed to create WebGPU backend: %w", err)
	}
	defer gpu.Release()
	logger.Printf("using WebGPU backend")
	return runTraining(ctx, cfg, gpu, ds, logger)
}
