package snapshot

// ============================================================================
// 職責說明：
// 1. 將任務表序列化為 JSON 快照檔（每次狀態轉換後整份重寫）
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本與任務陣列的 CRC32 校驗和
// 4. 重啟時由 scheduler.Recover 載入並重建排程
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/stream-recorder/internal/jobmanager"
	"github.com/ChuLiYu/stream-recorder/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// envelope 磁碟上的檔案格式；Jobs 保留原始位元組以便校驗
type envelope struct {
	SchemaVer int             `json:"schema_ver"`
	Checksum  *uint32         `json:"checksum,omitempty"`
	Jobs      json.RawMessage `json:"jobs"`
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 寫入流程：
// 1. 計算 Jobs 的校驗和並寫入外層結構
// 2. 寫入臨時檔案（.tmp）並 fsync
// 3. 使用 os.Rename 原子性替換原始檔案
//
// 並行的 Load 只會看到舊檔或新檔，不會看到寫到一半的內容。
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := data.Jobs
	if jobs == nil {
		jobs = []*types.Job{}
	}
	rawJobs, err := json.Marshal(jobs)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot jobs")
	}
	sum, err := CalculateChecksum(rawJobs)
	if err != nil {
		return err
	}

	out := types.SnapshotData{
		SchemaVer: jobmanager.SchemaVersion,
		Checksum:  &sum,
		Jobs:      jobs,
	}
	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create snapshot dir %s", dir)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, jsonBytes); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		// 重新命名失敗，清理臨時檔案
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename snapshot")
	}
	return nil
}

func writeSynced(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "open temp snapshot")
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return errors.Wrap(err, "write temp snapshot")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sync temp snapshot")
	}
	return errors.Wrap(f.Close(), "close temp snapshot")
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在：回傳空的 SnapshotData（首次啟動）
//   - JSON 無法解析、校驗和不符、含 null 任務：ErrCorruptedSnapshot
//   - 版本不符：ErrIncompatibleVersion
//   - 舊檔沒有 checksum 欄位時略過校驗
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	empty := types.SnapshotData{SchemaVer: jobmanager.SchemaVersion, Jobs: []*types.Job{}}

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			// 首次啟動，無快照，回傳空狀態
			return empty, nil
		}
		return types.SnapshotData{}, errors.Wrap(err, "read snapshot")
	}

	var env envelope
	if err := json.Unmarshal(jsonBytes, &env); err != nil {
		return types.SnapshotData{}, errors.Mark(errors.Wrap(err, "decode snapshot"), ErrCorruptedSnapshot)
	}

	if env.SchemaVer != jobmanager.SchemaVersion {
		return types.SnapshotData{}, errors.Wrapf(ErrIncompatibleVersion,
			"got %d, want %d", env.SchemaVer, jobmanager.SchemaVersion)
	}

	if len(env.Jobs) == 0 {
		return types.SnapshotData{}, errors.Wrap(ErrCorruptedSnapshot, "missing jobs")
	}
	if env.Checksum != nil && !VerifyChecksum(env.Jobs, *env.Checksum) {
		return types.SnapshotData{}, errors.Wrap(ErrCorruptedSnapshot, "checksum mismatch")
	}

	var jobs []*types.Job
	if err := json.Unmarshal(env.Jobs, &jobs); err != nil {
		return types.SnapshotData{}, errors.Mark(errors.Wrap(err, "decode snapshot jobs"), ErrCorruptedSnapshot)
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	for i, job := range jobs {
		if job == nil {
			return types.SnapshotData{}, errors.Wrapf(ErrCorruptedSnapshot, "job entry %d is null", i)
		}
	}

	return types.SnapshotData{
		SchemaVer: env.SchemaVer,
		Checksum:  env.Checksum,
		Jobs:      jobs,
	}, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path 取得快照檔案路徑（用於日誌與除錯）
func (m *Manager) Path() string {
	return m.path
}
