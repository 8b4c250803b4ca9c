package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

// 自己定義常用的權限常量
const (
	// rw-r--r-- (擁有者讀寫，其他人唯讀) - 適用於大多數檔案
	FileModeReadOnly fs.FileMode = 0644

	// rwxr-xr-x (擁有者全開，其他人可讀可執行) - 適用於目錄
	FileModeExecutable fs.FileMode = 0755

	// rw------- (只有擁有者可讀寫) - 適用於私鑰、機密檔
	FileModePrivate fs.FileMode = 0600
)

var (
	// ErrBroken 寫入失敗且無法還原檔案長度，之後的寫入全部拒絕
	ErrBroken = errors.New("wal: broken after failed write")
	// ErrCorrupt 檔案中間出現無法解析的行
	ErrCorrupt = errors.New("wal: corrupt record")
)

// WAL 是一個 JSON Lines 的 append-only 檔案
// 每次 Write 都會 fsync，回傳 nil 代表資料已落盤
type WAL struct {
	file   *os.File
	mu     sync.Mutex
	size   int64
	broken error
	logger *slog.Logger
}

// Option 定義了 WAL 的配置選項函數
type Option func(*WAL)

// WithLogger 設定 logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *WAL) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWAL 開啟或建立一個 WAL 檔案
// O_RDWR讀寫模式
// O_APPEND 每次寫入時自動跳到文件末尾
// O_CREATE 如果文件不存在則建立
//
// 開啟時會檢查檔尾，寫到一半的最後一行 (當機造成) 會被截掉
func NewWAL(path string, opts ...Option) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, FileModeReadOnly)
	if err != nil {
		return nil, err
	}
	w := &WAL{file: file, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.repair(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return w, nil
}

// repair 找出最後一行完整的紀錄，截掉之後的殘缺資料
func (w *WAL) repair() error {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var (
		offset  int64
		good    int64
		badLine int
		lineNo  int
	)
	r := bufio.NewReader(w.file)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && err == nil {
			lineNo++
			offset += int64(len(line))
			trimmed := bytes.TrimSpace(line)
			switch {
			case len(trimmed) == 0 || json.Valid(trimmed):
				if badLine != 0 {
					return fmt.Errorf("%w: line %d of %s", ErrCorrupt, badLine, w.file.Name())
				}
				good = offset
			case badLine == 0:
				badLine = lineNo
			}
		}
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				offset += int64(len(line))
			}
			break
		}
		if err != nil {
			return err
		}
	}

	if good < offset {
		w.logger.Warn("truncating torn wal tail",
			slog.String("path", w.file.Name()),
			slog.Int64("size", offset),
			slog.Int64("truncate_to", good))
		if err := w.file.Truncate(good); err != nil {
			return err
		}
		if err := w.file.Sync(); err != nil {
			return err
		}
	}
	w.size = good
	return nil
}

// Write 寫入一筆資料
// 寫入或 fsync 失敗時把檔案截回寫入前的長度，避免留下半筆資料
func (w *WAL) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken != nil {
		return fmt.Errorf("%w: %w", ErrBroken, w.broken)
	}

	n, err := w.file.Write(data)
	if err == nil {
		err = w.file.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := w.file.Truncate(w.size); terr != nil {
				w.broken = terr
				return fmt.Errorf("%w: write: %w, truncate: %w", ErrBroken, err, terr)
			}
		}
		return err
	}
	w.size += int64(n)
	return nil
}

// Sync 強制刷入硬碟
func (w *WAL) Sync() error {
	return w.file.Sync()
}

// Size 目前已確認寫入的位元組數
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close 關閉檔案
func (w *WAL) Close() error {
	return w.file.Close()
}

// ReadAll 讀取所有資料
// callback 是一個函式，接收一行 JSON
// 這樣可以避免一次將所有資料載入記憶體
func (w *WAL) ReadAll(callback func(jsonRaw []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// 確保從頭讀取
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(io.LimitReader(w.file, w.size))
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if !json.Valid(trimmed) {
				return fmt.Errorf("%w: line %d of %s", ErrCorrupt, lineNo, w.file.Name())
			}
			if cerr := callback(trimmed); cerr != nil {
				return cerr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
