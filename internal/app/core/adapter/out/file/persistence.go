package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-bank-ledger/pkg/wal"
)

const (
	// JournalFileName 帳戶事件與交易紀錄的 JSON Lines 日誌
	JournalFileName = "journal.log"
	// SnapshotFileName 帳戶快照 (Checkpoint)
	SnapshotFileName = "accounts.json"

	snapshotStorage = "json_snapshot"
	snapshotVersion = 1
)

// snapshotMeta 快照的中繼資料
type snapshotMeta struct {
	Storage      string    `json:"storage"`
	Version      int       `json:"version"`
	LastSequence uint64    `json:"last_sequence"`
	Timestamp    time.Time `json:"timestamp"`
}

type snapshotDocument struct {
	Meta     snapshotMeta     `json:"_meta"`
	Accounts []domain.Account `json:"accounts"`
}

// Persistence 檔案型持久層
//
// 結構:
//
//	journal.log: 每次提交前 fsync 的日誌 (權威來源)
//	accounts.json: 定期寫入的帳戶快照，先寫 .tmp 再 rename
type Persistence struct {
	dir     string
	journal *wal.WAL
	logger  *slog.Logger
}

// Open 開啟 (或建立) 資料目錄
//
// 參數:
//
//	dir: 資料目錄
//	logger: logger (nil 使用 slog.Default)
//
// 回傳:
//
//	*Persistence: Persistence 實例
//	error: 目錄或日誌開啟失敗 (ErrPersistenceFailure)
func Open(dir string, logger *slog.Logger) (*Persistence, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, wal.FileModeExecutable); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %w", domain.ErrPersistenceFailure, err)
	}
	journal, err := wal.NewWAL(filepath.Join(dir, JournalFileName), wal.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("%w: open journal: %w", domain.ErrPersistenceFailure, err)
	}
	return &Persistence{dir: dir, journal: journal, logger: logger}, nil
}

// AppendAccount 寫入帳戶事件
func (p *Persistence) AppendAccount(_ context.Context, entryType domain.JournalEntryType, account domain.Account) error {
	return p.append(domain.JournalEntry{Type: entryType, Account: &account})
}

// AppendTransaction 寫入交易紀錄
func (p *Persistence) AppendTransaction(_ context.Context, record domain.TransactionRecord) error {
	return p.append(domain.JournalEntry{Type: domain.JournalTransaction, Transaction: &record})
}

func (p *Persistence) append(entry domain.JournalEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := p.journal.Write(entry); err != nil {
		return fmt.Errorf("%w: journal write: %w", domain.ErrPersistenceFailure, err)
	}
	return nil
}

// Save 以原子方式寫入帳戶快照
// 流程:
//  1. 寫入同目錄下的暫存檔並 fsync
//  2. rename 取代正式檔案
//  3. fsync 目錄，確保 rename 落盤
func (p *Persistence) Save(_ context.Context, snapshot usecase.Snapshot) error {
	doc := snapshotDocument{
		Meta: snapshotMeta{
			Storage:      snapshotStorage,
			Version:      snapshotVersion,
			LastSequence: snapshot.LastSequence,
			Timestamp:    snapshot.TakenAt,
		},
		Accounts: snapshot.Accounts,
	}
	if doc.Accounts == nil {
		doc.Accounts = []domain.Account{}
	}

	if err := p.writeAtomic(doc); err != nil {
		return fmt.Errorf("%w: save snapshot: %w", domain.ErrPersistenceFailure, err)
	}
	return nil
}

func (p *Persistence) writeAtomic(doc snapshotDocument) error {
	tmp, err := os.CreateTemp(p.dir, SnapshotFileName+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	// 使用縮排格式輸出，方便人類閱讀
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), wal.FileModeReadOnly); err != nil {
		return err
	}

	// 原子替換
	if err := os.Rename(tmp.Name(), filepath.Join(p.dir, SnapshotFileName)); err != nil {
		return err
	}
	return syncDir(p.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Load 讀取日誌與快照並還原帳本
// 日誌從空帳本重放為準，快照只用來交叉比對
func (p *Persistence) Load(_ context.Context) (usecase.State, error) {
	var entries []domain.JournalEntry
	err := p.journal.ReadAll(func(raw []byte) error {
		var entry domain.JournalEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return usecase.State{}, fmt.Errorf("%w: read journal: %w", domain.ErrPersistenceFailure, err)
	}

	snapshot, err := p.loadSnapshot()
	if err != nil {
		// 快照只是快取，讀不到就只靠日誌
		p.logger.Warn("ignoring unreadable snapshot", slog.Any("error", err))
		snapshot = nil
	}

	state, err := usecase.Recover(p.logger, snapshot, entries)
	if err != nil {
		return usecase.State{}, err
	}
	p.logger.Info("ledger loaded",
		slog.String("dir", p.dir),
		slog.Int("accounts", len(state.Accounts)),
		slog.Int("records", len(state.Records)))
	return state, nil
}

func (p *Persistence) loadSnapshot() (*usecase.Snapshot, error) {
	f, err := os.Open(filepath.Join(p.dir, SnapshotFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var doc snapshotDocument
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, err
	}
	if doc.Meta.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", doc.Meta.Version)
	}
	return &usecase.Snapshot{
		Accounts:     doc.Accounts,
		LastSequence: doc.Meta.LastSequence,
		TakenAt:      doc.Meta.Timestamp,
	}, nil
}

// Close 關閉日誌
func (p *Persistence) Close() error {
	return p.journal.Close()
}

var _ usecase.Persistence = (*Persistence)(nil)
