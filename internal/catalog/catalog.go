// Package catalog 維護錄影目錄（SQLite recordings 表）
//
// 轉檔完成後，排程器透過 EnsureExists 登記輸出資料夾；
// 同名資料夾已存在時直接回傳既有資料列，不會覆寫。
package catalog

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ChuLiYu/stream-recorder/internal/logger"
)

// AccessLevel 錄影存取等級
type AccessLevel string

const (
	AccessPublic        AccessLevel = "public"
	AccessAuthenticated AccessLevel = "authenticated"
	AccessAdmin         AccessLevel = "admin"
)

// ErrNotFound 目錄中沒有這個資料夾
var ErrNotFound = errors.New("recording not found in catalog")

// Entry recordings 表的一列
type Entry struct {
	ID          int64       `json:"id"`
	FolderName  string      `json:"folder_name"`
	Name        string      `json:"name"`
	AccessLevel AccessLevel `json:"access_level"`
	CreatedAt   string      `json:"created_at"`
	FilePath    string      `json:"file_path"`
}

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	folder_name  TEXT UNIQUE NOT NULL,
	name         TEXT NOT NULL,
	access_level TEXT NOT NULL DEFAULT 'authenticated'
	             CHECK (access_level IN ('public', 'authenticated', 'admin')),
	created_at   TEXT NOT NULL DEFAULT (datetime('now')),
	file_path    TEXT NOT NULL
)`

const (
	selectByFolder = `SELECT id, folder_name, name, access_level, created_at, file_path FROM recordings WHERE folder_name = ?`
	insertEntry    = `INSERT INTO recordings (folder_name, name, access_level, file_path) VALUES (?, ?, ?, ?) ON CONFLICT(folder_name) DO NOTHING`
	selectAll      = `SELECT id, folder_name, name, access_level, created_at, file_path FROM recordings ORDER BY created_at DESC, id DESC`
)

// Store 錄影目錄
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// Open 開啟（必要時建立）SQLite 目錄資料庫並建立資料表
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	log = logger.OrNop(log)
	log.Debugw("Opening catalog database", "path", path)

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open catalog database")
	}
	// PRAGMA 是連線層級設定，單一連線確保設定一致
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "exec %q", p)
		}
	}

	s := New(db, log)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	log.Infow("Catalog database opened", "path", path, "wal_mode", true)
	return s, nil
}

// New 包裝既有的連線（測試時傳入 sqlmock）
func New(db *sql.DB, log *zap.SugaredLogger) *Store {
	log = logger.OrNop(log)
	return &Store{db: db, log: log}
}

// Migrate 建立 recordings 表
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create recordings table")
	}
	return nil
}

// Close 關閉資料庫
func (s *Store) Close() error {
	return s.db.Close()
}

// FindByFolderName 依資料夾名稱查詢
func (s *Store) FindByFolderName(ctx context.Context, folder string) (*Entry, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx, selectByFolder, folder).Scan(
		&e.ID, &e.FolderName, &e.Name, &e.AccessLevel, &e.CreatedAt, &e.FilePath,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query recording %q", folder)
	}
	return &e, nil
}

// EnsureExists 確保資料夾已登記，不存在時以 authenticated 存取等級新增
//
// 名稱重複時回傳既有資料列（同名錄影會覆寫同一個資料夾）。
func (s *Store) EnsureExists(ctx context.Context, folder, filePath string) (*Entry, error) {
	if folder == "" {
		return nil, errors.New("catalog folder name is empty")
	}

	existing, err := s.FindByFolderName(ctx, folder)
	if err == nil {
		s.log.Debugw("Recording already in catalog", "folder", folder, "id", existing.ID)
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// 並行登記同名資料夾時由 UNIQUE 約束擋下，之後重新讀取
	if _, err := s.db.ExecContext(ctx, insertEntry, folder, folder, string(AccessAuthenticated), filePath); err != nil {
		return nil, errors.Wrapf(err, "insert recording %q", folder)
	}

	entry, err := s.FindByFolderName(ctx, folder)
	if err != nil {
		return nil, err
	}
	s.log.Infow("Recording added to catalog", "folder", folder, "id", entry.ID, "path", filePath)
	return entry, nil
}

// List 回傳所有錄影，最新的在前
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectAll)
	if err != nil {
		return nil, errors.Wrap(err, "list recordings")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.FolderName, &e.Name, &e.AccessLevel, &e.CreatedAt, &e.FilePath); err != nil {
			return nil, errors.Wrap(err, "scan recording")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate recordings")
}
