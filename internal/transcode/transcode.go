// ============================================================================
// 轉檔程序執行器 - Transcode Invoker
// ============================================================================
//
// Package: internal/transcode
// 文件: transcode.go
// 功能: 擷取結束後執行轉檔腳本，等待其結束並回報結果
//
// 執行方式:
//   <Interpreter> <Script> <InputPath> <OutputDir>
//   額外環境變數 TRANSCODE_INPUT / TRANSCODE_OUTPUT_DIR
//
// 結果判定:
//   - 腳本不存在        → KindConfig（不啟動程序）
//   - 無法啟動          → KindSpawn，ExitCode = -1
//   - 非零結束碼        → KindExit，附上 stderr 尾端
//   - context 取消/逾時 → 包裝 ctx 錯誤
//
// ============================================================================

package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ChuLiYu/stream-recorder/internal/logger"
)

// DefaultInterpreter 預設腳本直譯器
const DefaultInterpreter = "bash"

const (
	stderrTailSize = 2 << 10         // 保留的 stderr 尾端長度
	maxLineSize    = 64 << 10        // 單行上限
	waitDelay      = 5 * time.Second // 終止後等待 I/O 結束的上限
)

// Kind 轉檔錯誤類型
type Kind string

const (
	KindConfig Kind = "config" // 設定錯誤，例如腳本不存在
	KindSpawn  Kind = "spawn"  // 程序無法啟動
	KindExit   Kind = "exit"   // 程序以非零結束碼結束
)

// TranscodeError 轉檔失敗
type TranscodeError struct {
	Kind     Kind
	ExitCode int
	Stderr   string
	Err      error
}

func (e *TranscodeError) Error() string {
	switch e.Kind {
	case KindExit:
		msg := fmt.Sprintf("transcode exited with code %d", e.ExitCode)
		if e.Stderr != "" {
			msg += ": " + e.Stderr
		} else if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	case KindConfig:
		return "transcode misconfigured: " + e.Err.Error()
	default:
		return "transcode failed to start: " + e.Err.Error()
	}
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// Request 一次轉檔請求
type Request struct {
	JobID     string
	InputPath string // 擷取檔
	OutputDir string // 轉檔輸出目錄
}

// Config 轉檔設定
type Config struct {
	Interpreter string        // 空字串使用 DefaultInterpreter
	Script      string        // 腳本路徑，必須存在
	Timeout     time.Duration // 0 表示不限時
}

// Invoker 轉檔執行器
type Invoker struct {
	cfg Config
	log *zap.SugaredLogger
}

// NewInvoker 建立轉檔執行器
func NewInvoker(cfg Config, log *zap.SugaredLogger) *Invoker {
	if cfg.Interpreter == "" {
		cfg.Interpreter = DefaultInterpreter
	}
	log = logger.OrNop(log)
	return &Invoker{cfg: cfg, log: log}
}

// Transcode 執行轉檔腳本並等待結束
//
// 返回值：
//   - nil: 結束碼為 0
//   - *TranscodeError: 其他所有情況
func (inv *Invoker) Transcode(ctx context.Context, req Request) error {
	if _, err := os.Stat(inv.cfg.Script); err != nil {
		return &TranscodeError{
			Kind:     KindConfig,
			ExitCode: -1,
			Err:      errors.Wrapf(err, "transcoding script not found: %s", inv.cfg.Script),
		}
	}

	if inv.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.cfg.Interpreter, inv.cfg.Script, req.InputPath, req.OutputDir)
	cmd.Env = append(os.Environ(),
		"TRANSCODE_INPUT="+req.InputPath,
		"TRANSCODE_OUTPUT_DIR="+req.OutputDir,
	)

	tail := newTailBuffer(stderrTailSize)
	stdout := &lineWriter{emit: func(line string) {
		inv.log.Infow("transcode", "job_id", req.JobID, "line", line)
	}}
	stderr := &lineWriter{tail: tail, emit: func(line string) {
		inv.log.Warnw("transcode stderr", "job_id", req.JobID, "line", line)
	}}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// 程序被終止後，孫程序仍持有管線時不無限等待
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Wrap(ctxErr, err.Error())
		}
		return &TranscodeError{Kind: KindSpawn, ExitCode: -1, Err: err}
	}

	inv.log.Infow("Transcode started",
		"job_id", req.JobID,
		"input", req.InputPath,
		"output_dir", req.OutputDir,
		"pid", cmd.Process.Pid,
	)

	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	if waitErr == nil {
		inv.log.Infow("Transcode completed", "job_id", req.JobID, "elapsed", time.Since(start))
		return nil
	}

	te := &TranscodeError{Kind: KindExit, ExitCode: -1, Stderr: tail.String(), Err: waitErr}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		te.Err = errors.Wrap(ctxErr, waitErr.Error())
	}

	inv.log.Errorw("Transcode failed",
		"job_id", req.JobID,
		"exit_code", te.ExitCode,
		"elapsed", time.Since(start),
		"error", te.Err,
	)
	return te
}

// lineWriter 將程序輸出切成行，逐行交給 emit，並可同時寫入 tail
type lineWriter struct {
	tail    *tailBuffer
	emit    func(string)
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.line(string(bytes.TrimRight(w.pending[:i], "\r")))
		w.pending = w.pending[i+1:]
	}
	// 沒有換行的超長輸出直接切斷
	if len(w.pending) > maxLineSize {
		w.line(string(w.pending))
		w.pending = nil
	}
	return len(p), nil
}

// Flush 輸出最後一段沒有換行結尾的內容
func (w *lineWriter) Flush() {
	if len(w.pending) > 0 {
		w.line(string(w.pending))
		w.pending = nil
	}
}

func (w *lineWriter) line(s string) {
	if w.tail != nil {
		w.tail.WriteLine(s)
	}
	w.emit(s)
}

// tailBuffer 只保留最後 max 個位元組，開頭總是落在完整字元上
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) WriteLine(line string) {
	if len(t.buf) > 0 {
		t.buf = append(t.buf, '\n')
	}
	t.buf = append(t.buf, line...)
	if over := len(t.buf) - t.max; over > 0 {
		for over < len(t.buf) && !utf8.RuneStart(t.buf[over]) {
			over++
		}
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
