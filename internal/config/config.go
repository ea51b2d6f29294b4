// Package config loads the engine's YAML configuration: data directory,
// buffer pool sizing, and the checkpoint schedule.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the top-level YAML document accepted by cmd/rdbengine.
type EngineConfig struct {
	DataDir          string `yaml:"data_dir"`
	BufferPoolFrames int    `yaml:"buffer_pool_frames"`
	CheckpointCron   string `yaml:"checkpoint_cron"`
	LoadConcurrency  int    `yaml:"load_concurrency"`
}

// Default returns the configuration used when no file is supplied.
func Default() EngineConfig {
	return EngineConfig{
		DataDir:          "./data",
		BufferPoolFrames: 81920,
		CheckpointCron:   "*/30 * * * * *",
		LoadConcurrency:  4,
	}
}

// Load reads and validates an EngineConfig from a YAML file at path,
// filling unset fields from Default.
func Load(path string) (EngineConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.BufferPoolFrames <= 0 {
		return EngineConfig{}, fmt.Errorf("config: buffer_pool_frames must be positive, got %d", cfg.BufferPoolFrames)
	}
	if cfg.LoadConcurrency <= 0 {
		cfg.LoadConcurrency = 1
	}
	return cfg, nil
}
