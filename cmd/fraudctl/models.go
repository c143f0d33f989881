package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/fraudproof/internal/model"
)

var modelsCmd = &cli.Command{
	Name:   "models",
	Usage:  "Load every model artifact and list the resulting bundles",
	Action: cmdModels,
	Flags: []cli.Flag{
		modelDirFlag,
	},
}

// ModelInfo describes one loaded bundle.
type ModelInfo struct {
	Domain   string   `json:"domain" yaml:"domain"`
	Kind     string   `json:"kind" yaml:"kind"`
	Version  string   `json:"version" yaml:"version"`
	Path     string   `json:"path" yaml:"path"`
	Features []string `json:"features" yaml:"features"`
}

func cmdModels(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dir := cmd.String(modelDirFlag.Name); dir != "" {
		cfg.Models.Dir = dir
	}

	registry, err := model.Load(cfg.Models)
	if err != nil {
		return fmt.Errorf("loading models: %w", err)
	}

	return encode(os.Stdout, describeModels(cfg.Models.Dir, registry.Bundles()))
}

func describeModels(dir string, bundles []*model.Bundle) []ModelInfo {
	list := make([]ModelInfo, 0, len(bundles))
	for _, b := range bundles {
		list = append(list, ModelInfo{
			Domain:   b.Domain.String(),
			Kind:     b.Kind,
			Version:  b.Version,
			Path:     model.ArtifactPath(dir, b.Domain),
			Features: b.Features,
		})
	}
	return list
}
