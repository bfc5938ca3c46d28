// ============================================================================
// 擷取程序啟動器 - Capture Invoker
// ============================================================================
//
// Package: internal/capture
// 文件: capture.go
// 功能: 在排定時間啟動外部擷取程序（預設為 screen + vlc）
//
// 行為:
//   1. 計算輸出檔案路徑 OutputDir/Name+Extension（不檢查是否已存在）
//   2. 以 shellquote 切分命令模板，逐一替換參數中的佔位符
//      來源 URL 永遠是單一 argv 元素，不經過 shell 展開
//   3. 以獨立 session 啟動程序，stdio 不接任何東西
//   4. Start 成功後立即回傳，不等待擷取結束；子程序在背景回收
//
// 佔位符:
//   {{source}}   串流來源
//   {{output}}   輸出檔案完整路徑
//   {{duration}} 擷取秒數
//   {{name}}     輸出名稱
//   {{session}}  screen session 名稱
//
// ============================================================================

package capture

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/ChuLiYu/stream-recorder/internal/logger"
)

// DefaultCommand 預設擷取命令，在 detached screen session 中執行 vlc
const DefaultCommand = `screen -dmS {{session}} vlc {{source}} --sout "#standard{access=file,mux=ts,dst={{output}}}" --run-time={{duration}}`

// DefaultExtension 預設輸出副檔名
const DefaultExtension = ".mp4"

// ErrEmptyCommand 命令模板為空
var ErrEmptyCommand = errors.New("capture command is empty")

// Request 一次擷取請求
type Request struct {
	JobID           string
	Source          string
	Name            string
	DurationSeconds int
}

// LaunchError 擷取程序無法啟動
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return "launch capture " + e.Name + ": " + e.Err.Error()
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Config 擷取設定
type Config struct {
	Command   string // 命令模板，空字串使用 DefaultCommand
	OutputDir string // 擷取檔輸出目錄
	Extension string // 輸出副檔名，空字串使用 DefaultExtension
}

// Invoker 擷取程序啟動器
type Invoker struct {
	cfg  Config
	argv []string // 預先切分的命令模板
	log  *zap.SugaredLogger
}

// NewInvoker 建立啟動器，命令模板在此時切分並驗證
func NewInvoker(cfg Config, log *zap.SugaredLogger) (*Invoker, error) {
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	log = logger.OrNop(log)

	argv, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, errors.Wrap(err, "parse capture command")
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}

	return &Invoker{cfg: cfg, argv: argv, log: log}, nil
}

// OutputPath 回傳某個名稱對應的擷取檔路徑
func (inv *Invoker) OutputPath(name string) string {
	return filepath.Join(inv.cfg.OutputDir, name+inv.cfg.Extension)
}

// Args 以請求內容替換模板佔位符，回傳完整 argv
func (inv *Invoker) Args(req Request) []string {
	return expand(inv.argv, req, inv.OutputPath(req.Name))
}

// Launch 啟動擷取程序，回傳輸出檔案路徑
//
// 錯誤處理：
//   - *LaunchError: context 已取消、輸出目錄無法建立、執行檔找不到、spawn 失敗
func (inv *Invoker) Launch(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &LaunchError{Name: req.Name, Err: err}
	}

	output := inv.OutputPath(req.Name)
	args := expand(inv.argv, req, output)

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", &LaunchError{Name: req.Name, Err: errors.Wrap(err, "create output dir")}
	}

	path, err := exec.LookPath(args[0])
	if err != nil {
		return "", &LaunchError{Name: req.Name, Err: err}
	}

	// 擷取程序的生命週期與排程器無關，不使用 CommandContext
	// stdio 保持 nil，即導向 os.DevNull
	cmd := exec.Command(path, args[1:]...)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return "", &LaunchError{Name: req.Name, Err: errors.Wrap(err, "start capture process")}
	}

	pid := cmd.Process.Pid
	inv.log.Infow("Capture started",
		"job_id", req.JobID,
		"name", req.Name,
		"source", req.Source,
		"duration_seconds", req.DurationSeconds,
		"output", output,
		"pid", pid,
	)

	go func() {
		if err := cmd.Wait(); err != nil {
			inv.log.Warnw("Capture launcher exited with error", "job_id", req.JobID, "pid", pid, "error", err)
			return
		}
		inv.log.Debugw("Capture launcher exited", "job_id", req.JobID, "pid", pid)
	}()

	return output, nil
}

// SessionName screen session 名稱，帶任務 ID 前綴避免同時擷取時衝突
func SessionName(jobID string) string {
	if len(jobID) > 8 {
		jobID = jobID[:8]
	}
	if jobID == "" {
		return "vlc_record"
	}
	return "vlc_record_" + jobID
}

func expand(argv []string, req Request, output string) []string {
	r := strings.NewReplacer(
		"{{source}}", req.Source,
		"{{output}}", output,
		"{{duration}}", strconv.Itoa(req.DurationSeconds),
		"{{name}}", req.Name,
		"{{session}}", SessionName(req.JobID),
	)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}
