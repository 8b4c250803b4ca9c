package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
)

// sqlJournalEntry 對應資料庫的 journal_entries 表
// 依 id 順序重放即可還原帳本
type sqlJournalEntry struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Type      string `gorm:"type:varchar(32);not null"`
	Payload   []byte `gorm:"type:json;not null"`
	CreatedAt int64  `gorm:"autoCreateTime:milli"` // 自動寫入時間
}

func (*sqlJournalEntry) TableName() string {
	return "journal_entries"
}

// sqlTransaction 對應資料庫的 transactions 表
// 交易紀錄的查詢用副本，與 journal_entries 在同一個 DB 交易寫入
type sqlTransaction struct {
	Sequence    uint64 `gorm:"primaryKey;autoIncrement:false"`
	RefID       []byte `gorm:"column:ref_id;type:binary(16);index"` // 對應 domain.TransactionRecord.RequestID
	Kind        string `gorm:"type:varchar(16);not null"`
	Source      string `gorm:"type:varchar(64);index"`
	Destination string `gorm:"type:varchar(64);index"`
	Amount      int64
	Status      string `gorm:"type:varchar(16);not null"`
	Reason      string `gorm:"type:varchar(255)"`
	Timestamp   int64
}

func (*sqlTransaction) TableName() string {
	return "transactions"
}

// sqlAccount 對應資料庫的 accounts 表 (快照)
type sqlAccount struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	Owner          string `gorm:"type:varchar(255);not null"`
	Balance        int64
	OpeningBalance int64
	Status         string `gorm:"type:varchar(16);not null"`
	OverdraftLimit int64
	Version        uint64
	CreatedAt      int64
	UpdatedAt      int64 `gorm:"autoUpdateTime:milli"` // 自動更新時間
}

func (*sqlAccount) TableName() string {
	return "accounts"
}

// sqlSnapshotMeta 對應資料庫的 snapshot_meta 表，只有一列
type sqlSnapshotMeta struct {
	ID           int64 `gorm:"primaryKey;autoIncrement:false"`
	LastSequence uint64
	TakenAt      int64
}

func (*sqlSnapshotMeta) TableName() string {
	return "snapshot_meta"
}

const snapshotMetaID = 1

// Persistence MySQL 持久層
//
// journal_entries 為權威來源；accounts 與 snapshot_meta 為定期寫入的快照
type Persistence struct {
	db     *gorm.DB
	logger *slog.Logger

	// commit 執行 DB 交易，預設為 gorm 的 Transaction
	commit func(db *gorm.DB, fn func(tx *gorm.DB) error) error
}

// NewPersistence 建立 MySQL 持久層並自動建立資料表
// 參數:
//
//	db: 由 pkg/mysql.Client.DB() 取得，連線的生命週期由呼叫端管理
func NewPersistence(ctx context.Context, db *gorm.DB, logger *slog.Logger) (*Persistence, error) {
	if logger == nil {
		logger = slog.Default()
	}
	err := db.WithContext(ctx).AutoMigrate(
		&sqlJournalEntry{},
		&sqlTransaction{},
		&sqlAccount{},
		&sqlSnapshotMeta{},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: migrate: %w", domain.ErrPersistenceFailure, err)
	}
	return &Persistence{db: db, logger: logger, commit: runTransaction}, nil
}

func runTransaction(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.Transaction(fn)
}

// AppendAccount 寫入帳戶事件
func (p *Persistence) AppendAccount(ctx context.Context, entryType domain.JournalEntryType, account domain.Account) error {
	entry := domain.JournalEntry{Type: entryType, Account: &account}
	if err := entry.Validate(); err != nil {
		return err
	}
	row, err := journalRow(entry)
	if err != nil {
		return fmt.Errorf("%w: encode journal entry: %w", domain.ErrPersistenceFailure, err)
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%w: insert journal entry: %w", domain.ErrPersistenceFailure, err)
	}
	return nil
}

// AppendTransaction 寫入交易紀錄
// journal_entries 與 transactions 在同一個 DB 交易內寫入
// COMMIT 回報失敗時以序號讀回 transactions，資料已落地就視為成功
func (p *Persistence) AppendTransaction(ctx context.Context, record domain.TransactionRecord) error {
	entry := domain.JournalEntry{Type: domain.JournalTransaction, Transaction: &record}
	if err := entry.Validate(); err != nil {
		return err
	}
	row, err := journalRow(entry)
	if err != nil {
		return fmt.Errorf("%w: encode journal entry: %w", domain.ErrPersistenceFailure, err)
	}
	tran := transactionRow(record)

	err = p.commit(p.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&tran).Error
	})
	if err == nil {
		return nil
	}
	if p.durable(ctx, tran) {
		p.logger.Warn("transaction commit reported failure but row is durable",
			slog.Uint64("sequence", record.Sequence),
			slog.Any("error", err))
		return nil
	}
	return fmt.Errorf("%w: insert transaction %d: %w", domain.ErrPersistenceFailure, record.Sequence, err)
}

// durable 以序號讀回 transactions，內容一致才回傳 true
// 讀回本身失敗時回傳 false，由引擎隔離相關帳戶
func (p *Persistence) durable(ctx context.Context, want sqlTransaction) bool {
	var got sqlTransaction
	err := p.db.WithContext(context.WithoutCancel(ctx)).
		Where("sequence = ?", want.Sequence).
		Take(&got).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			p.logger.Error("read back transaction failed",
				slog.Uint64("sequence", want.Sequence),
				slog.Any("error", err))
		}
		return false
	}
	return got.Kind == want.Kind &&
		got.Source == want.Source &&
		got.Destination == want.Destination &&
		got.Amount == want.Amount &&
		got.Status == want.Status
}

// Save 寫入帳戶快照
// 流程:
//  1. 鎖定 snapshot_meta，比自己新的快照已存在就略過
//  2. upsert 所有帳戶
//  3. 更新水位
func (p *Persistence) Save(ctx context.Context, snapshot usecase.Snapshot) error {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var meta sqlSnapshotMeta
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", snapshotMetaID).
			Take(&meta).Error
		switch {
		case err == nil:
			if meta.LastSequence > snapshot.LastSequence {
				p.logger.Warn("skipping stale snapshot",
					slog.Uint64("stored_sequence", meta.LastSequence),
					slog.Uint64("snapshot_sequence", snapshot.LastSequence))
				return nil
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		if len(snapshot.Accounts) > 0 {
			rows := make([]sqlAccount, 0, len(snapshot.Accounts))
			for _, account := range snapshot.Accounts {
				rows = append(rows, accountRow(account))
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).
				CreateInBatches(rows, 500).Error; err != nil {
				return err
			}
		}

		meta = sqlSnapshotMeta{
			ID:           snapshotMetaID,
			LastSequence: snapshot.LastSequence,
			TakenAt:      snapshot.TakenAt.UnixMilli(),
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&meta).Error
	})
	if err != nil {
		return fmt.Errorf("%w: save snapshot: %w", domain.ErrPersistenceFailure, err)
	}
	return nil
}

// Load 讀取日誌與快照並還原帳本
func (p *Persistence) Load(ctx context.Context) (usecase.State, error) {
	db := p.db.WithContext(ctx)

	var rows []sqlJournalEntry
	if err := db.Order("id ASC").Find(&rows).Error; err != nil {
		return usecase.State{}, fmt.Errorf("%w: read journal: %w", domain.ErrPersistenceFailure, err)
	}
	entries := make([]domain.JournalEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := entryFromRow(row)
		if err != nil {
			return usecase.State{}, fmt.Errorf("%w: journal entry %d: %w", domain.ErrPersistenceFailure, row.ID, err)
		}
		entries = append(entries, entry)
	}

	snapshot, err := p.loadSnapshot(db)
	if err != nil {
		p.logger.Warn("ignoring unreadable snapshot", slog.Any("error", err))
		snapshot = nil
	}

	state, err := usecase.Recover(p.logger, snapshot, entries)
	if err != nil {
		return usecase.State{}, err
	}
	p.logger.Info("ledger loaded",
		slog.String("backend", "mysql"),
		slog.Int("accounts", len(state.Accounts)),
		slog.Int("records", len(state.Records)))
	return state, nil
}

func (p *Persistence) loadSnapshot(db *gorm.DB) (*usecase.Snapshot, error) {
	var meta sqlSnapshotMeta
	err := db.Where("id = ?", snapshotMetaID).Take(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rows []sqlAccount
	if err := db.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	accounts := make([]domain.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, accountFromRow(row))
	}
	return &usecase.Snapshot{
		Accounts:     accounts,
		LastSequence: meta.LastSequence,
		TakenAt:      time.UnixMilli(meta.TakenAt).UTC(),
	}, nil
}

// Close 連線由 mysql.Client 持有，這裡不關閉
func (p *Persistence) Close() error {
	return nil
}

func journalRow(entry domain.JournalEntry) (sqlJournalEntry, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return sqlJournalEntry{}, err
	}
	return sqlJournalEntry{Type: string(entry.Type), Payload: payload}, nil
}

func entryFromRow(row sqlJournalEntry) (domain.JournalEntry, error) {
	var entry domain.JournalEntry
	if err := json.Unmarshal(row.Payload, &entry); err != nil {
		return domain.JournalEntry{}, err
	}
	if string(entry.Type) != row.Type {
		return domain.JournalEntry{}, fmt.Errorf("type column %q does not match payload %q", row.Type, entry.Type)
	}
	return entry, entry.Validate()
}

func transactionRow(record domain.TransactionRecord) sqlTransaction {
	var ref []byte
	if record.RequestID != uuid.Nil {
		ref = record.RequestID[:]
	}
	return sqlTransaction{
		Sequence:    record.Sequence,
		RefID:       ref,
		Kind:        string(record.Kind),
		Source:      record.Source,
		Destination: record.Destination,
		Amount:      record.Amount,
		Status:      string(record.Status),
		Reason:      record.Reason,
		Timestamp:   record.Timestamp.UnixMilli(),
	}
}

func accountRow(account domain.Account) sqlAccount {
	return sqlAccount{
		ID:             account.ID,
		Owner:          account.Owner,
		Balance:        account.Balance,
		OpeningBalance: account.OpeningBalance,
		Status:         string(account.Status),
		OverdraftLimit: account.Policy.OverdraftLimit,
		Version:        account.Version,
		CreatedAt:      account.CreatedAt.UnixMilli(),
	}
}

func accountFromRow(row sqlAccount) domain.Account {
	return domain.Account{
		ID:             row.ID,
		Owner:          row.Owner,
		Balance:        row.Balance,
		OpeningBalance: row.OpeningBalance,
		Status:         domain.AccountStatus(row.Status),
		Policy:         domain.Policy{OverdraftLimit: row.OverdraftLimit},
		Version:        row.Version,
		CreatedAt:      time.UnixMilli(row.CreatedAt).UTC(),
	}
}

var _ usecase.Persistence = (*Persistence)(nil)
