// ============================================================================
// 設定載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入錄影排程器的設定
//
// 載入順序（後者覆蓋前者）:
//   1. Default() 內建預設值
//   2. YAML 設定檔（路徑非空時）
//   3. 環境變數，前綴 RECORDER_，例如 RECORDER_SERVER_HTTP_ADDR
//   4. Validate()
//
// 設定檔範例:
//
//   storage:
//     snapshot_path: data/jobs.json
//     catalog_path: data/catalog.db
//   capture:
//     output_dir: data/captures
//   transcode:
//     script: scripts/transcode.sh
//     timeout: 2h
//     recordings_dir: data/recordings
//   scheduler:
//     safety_margin: 30s
//   server:
//     http_addr: ":8080"
//     grpc_addr: ":50051"
//
// ============================================================================

package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/stream-recorder/internal/capture"
	"github.com/ChuLiYu/stream-recorder/internal/transcode"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "RECORDER_"

// Config 完整系統設定
type Config struct {
	Storage struct {
		SnapshotPath string `yaml:"snapshot_path" env:"SNAPSHOT_PATH"`
		CatalogPath  string `yaml:"catalog_path" env:"CATALOG_PATH"`
	} `yaml:"storage" envPrefix:"STORAGE_"`

	Capture struct {
		Command   string `yaml:"command" env:"COMMAND"`
		OutputDir string `yaml:"output_dir" env:"OUTPUT_DIR"`
		Extension string `yaml:"extension" env:"EXTENSION"`
	} `yaml:"capture" envPrefix:"CAPTURE_"`

	Transcode struct {
		Interpreter   string        `yaml:"interpreter" env:"INTERPRETER"`
		Script        string        `yaml:"script" env:"SCRIPT"`
		Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"` // 0 表示不限時
		RecordingsDir string        `yaml:"recordings_dir" env:"RECORDINGS_DIR"`
	} `yaml:"transcode" envPrefix:"TRANSCODE_"`

	Scheduler struct {
		SafetyMargin    time.Duration `yaml:"safety_margin" env:"SAFETY_MARGIN"`
		NotifyWorkers   int           `yaml:"notify_workers" env:"NOTIFY_WORKERS"`
		NotifyQueueSize int           `yaml:"notify_queue_size" env:"NOTIFY_QUEUE_SIZE"`
	} `yaml:"scheduler" envPrefix:"SCHEDULER_"`

	Server struct {
		HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"` // 空字串表示不啟動
		GRPCAddr string `yaml:"grpc_addr" env:"GRPC_ADDR"` // 空字串表示不啟動
	} `yaml:"server" envPrefix:"SERVER_"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"ENABLED"`
	} `yaml:"metrics" envPrefix:"METRICS_"`

	Log struct {
		JSON  bool   `yaml:"json" env:"JSON"`
		Level string `yaml:"level" env:"LEVEL"`
	} `yaml:"log" envPrefix:"LOG_"`
}

// Default 內建預設值
func Default() *Config {
	cfg := &Config{}
	cfg.Storage.SnapshotPath = "data/jobs.json"
	cfg.Storage.CatalogPath = "data/catalog.db"

	cfg.Capture.Command = capture.DefaultCommand
	cfg.Capture.OutputDir = "data/captures"
	cfg.Capture.Extension = capture.DefaultExtension

	cfg.Transcode.Interpreter = transcode.DefaultInterpreter
	cfg.Transcode.Script = "scripts/transcode.sh"
	cfg.Transcode.RecordingsDir = "data/recordings"

	cfg.Scheduler.SafetyMargin = 30 * time.Second
	cfg.Scheduler.NotifyWorkers = 2
	cfg.Scheduler.NotifyQueueSize = 64

	cfg.Server.HTTPAddr = ":8080"
	cfg.Server.GRPCAddr = ":50051"

	cfg.Metrics.Enabled = true
	cfg.Log.Level = "info"
	return cfg
}

// Load 依序套用預設值、YAML 設定檔與環境變數
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config YAML")
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, errors.Wrap(err, "parse environment overrides")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查必要欄位
func (c *Config) Validate() error {
	switch {
	case c.Storage.SnapshotPath == "":
		return errors.New("storage.snapshot_path is required")
	case c.Storage.CatalogPath == "":
		return errors.New("storage.catalog_path is required")
	case c.Capture.Command == "":
		return errors.New("capture.command is required")
	case c.Capture.OutputDir == "":
		return errors.New("capture.output_dir is required")
	case c.Transcode.Script == "":
		return errors.New("transcode.script is required")
	case c.Transcode.RecordingsDir == "":
		return errors.New("transcode.recordings_dir is required")
	case c.Transcode.Timeout < 0:
		return errors.Newf("transcode.timeout must not be negative, got %s", c.Transcode.Timeout)
	case c.Scheduler.SafetyMargin < 0:
		return errors.Newf("scheduler.safety_margin must not be negative, got %s", c.Scheduler.SafetyMargin)
	case c.Scheduler.NotifyWorkers <= 0:
		return errors.Newf("scheduler.notify_workers must be positive, got %d", c.Scheduler.NotifyWorkers)
	case c.Scheduler.NotifyQueueSize <= 0:
		return errors.Newf("scheduler.notify_queue_size must be positive, got %d", c.Scheduler.NotifyQueueSize)
	}
	return nil
}
