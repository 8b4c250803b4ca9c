package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
)

// DefaultLockTimeout 取得帳戶鎖的預設等待上限
const DefaultLockTimeout = 2 * time.Second

// accountSlot 單一帳戶的狀態與獨佔鎖
// sem 容量為 1，Acquire 可帶 context，等待有上限
type accountSlot struct {
	sem     *semaphore.Weighted
	account domain.Account
}

// AccountStore 是一個以「每帳戶一把鎖」實現的帳戶儲存
//
// 結構:
//
//	accounts: 帳戶 ID 對應的 slot
//	pending: 開戶中 (持久化尚未完成) 的 ID
//	mu: 只保護 map 本身 (新增帳戶)，不保護餘額
//	lockTimeout: 帳戶鎖等待上限，逾時回傳 ErrVersionConflict
//
// 不同帳戶的異動互不阻塞；多帳戶操作依 ID 遞增順序上鎖以避免死鎖
type AccountStore struct {
	mu          sync.RWMutex
	accounts    map[string]*accountSlot
	pending     map[string]struct{}
	newID       func() string
	now         func() time.Time
	lockTimeout time.Duration
}

// StoreOption 定義了 AccountStore 的配置選項函數
type StoreOption func(*AccountStore)

// WithIDGenerator 設定帳戶 ID 產生器 (預設 UUID)
func WithIDGenerator(fn func() string) StoreOption {
	return func(s *AccountStore) {
		s.newID = fn
	}
}

// WithClock 設定時間來源
func WithClock(fn func() time.Time) StoreOption {
	return func(s *AccountStore) {
		s.now = fn
	}
}

// WithLockTimeout 設定帳戶鎖等待上限
func WithLockTimeout(d time.Duration) StoreOption {
	return func(s *AccountStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewAccountStore 建立一個新的 AccountStore 實例
//
// 參數:
//
//	accounts: 初始帳戶資料 (通常來自 Persistence.Load)
//	opts: 配置選項
//
// 回傳:
//
//	*AccountStore: AccountStore 實例
func NewAccountStore(accounts []domain.Account, opts ...StoreOption) *AccountStore {
	s := &AccountStore{
		accounts:    make(map[string]*accountSlot, len(accounts)),
		pending:     make(map[string]struct{}),
		newID:       uuid.NewString,
		now:         func() time.Time { return time.Now().UTC() },
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, acct := range accounts {
		s.accounts[acct.ID] = newSlot(acct)
	}
	return s
}

func newSlot(acct domain.Account) *accountSlot {
	return &accountSlot{
		sem:     semaphore.NewWeighted(1),
		account: acct,
	}
}

// Create 建立帳戶
//
// 參數:
//
//	ctx: 上下文
//	owner: 擁有者
//	openingBalance: 開戶金額 (>= 0)
//	policy: 帳戶政策
//	commit: 對外可見前的持久化 hook，可為 nil
//
// 回傳:
//
//	domain.Account: 新帳戶
//	error: ErrInvalidArgument 或 commit 的錯誤
func (s *AccountStore) Create(ctx context.Context, owner string, openingBalance int64, policy domain.Policy, commit usecase.CommitFunc) (domain.Account, error) {
	acct, err := domain.NewAccount(s.newID(), owner, openingBalance, policy, s.now())
	if err != nil {
		return domain.Account{}, err
	}

	// 1. 佔用 ID，避免同一個 ID 被寫入兩次開戶事件
	if err := s.reserve(acct.ID); err != nil {
		return domain.Account{}, err
	}

	// 2. 先寫入持久層，成功後才放入 map
	if commit != nil {
		if err := commit(ctx, *acct); err != nil {
			s.mu.Lock()
			delete(s.pending, acct.ID)
			s.mu.Unlock()
			return domain.Account{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, acct.ID)
	s.accounts[acct.ID] = newSlot(*acct)
	return *acct, nil
}

func (s *AccountStore) reserve(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.accounts[accountID]
	_, inFlight := s.pending[accountID]
	if exists || inFlight {
		return fmt.Errorf("%w: account id %s already in use", domain.ErrInvalidArgument, accountID)
	}
	s.pending[accountID] = struct{}{}
	return nil
}

// Get 取得帳戶快照
// 讀取也會短暫取得帳戶鎖，因此不會看到轉帳做到一半的狀態
func (s *AccountStore) Get(ctx context.Context, accountID string) (domain.Account, error) {
	g, err := s.Lock(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	defer g.Release()
	return g.Get(accountID)
}

// ApplyDelta 單一帳戶的餘額異動，唯一的餘額變更入口
func (s *AccountStore) ApplyDelta(ctx context.Context, accountID string, delta int64, expectedVersion uint64) (domain.Account, error) {
	g, err := s.Lock(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	defer g.Release()
	return g.ApplyDelta(accountID, delta, expectedVersion)
}

// SetStatus 變更帳戶狀態，commit 失敗時還原
func (s *AccountStore) SetStatus(ctx context.Context, accountID string, status domain.AccountStatus, commit usecase.CommitFunc) (domain.Account, error) {
	g, err := s.Lock(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	defer g.Release()

	acct, err := g.SetStatus(accountID, status)
	if err != nil {
		return domain.Account{}, err
	}
	if commit != nil {
		if err := commit(ctx, acct); err != nil {
			g.Rollback()
			return domain.Account{}, err
		}
	}
	return acct, nil
}

// Lock 取得多個帳戶的獨佔存取權
//
// 參數:
//
//	ctx: 上下文 (呼叫端取消時回傳 ctx.Err())
//	accountIDs: 帳戶 ID，內部會去重並依遞增順序上鎖
//
// 回傳:
//
//	usecase.Guard: 持有中的鎖，呼叫端必須 Release
//	error: ErrNotFound、ErrVersionConflict (等待逾時)、ctx.Err()
func (s *AccountStore) Lock(ctx context.Context, accountIDs ...string) (usecase.Guard, error) {
	ids := slices.Clone(accountIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	s.mu.RLock()
	slots := make([]*accountSlot, 0, len(ids))
	for _, id := range ids {
		slot, ok := s.accounts[id]
		if !ok {
			s.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
		}
		slots = append(slots, slot)
	}
	s.mu.RUnlock()

	if err := s.acquire(ctx, ids, slots); err != nil {
		return nil, err
	}

	g := &guard{
		ids:   ids,
		slots: make(map[string]*accountSlot, len(slots)),
		order: slots,
	}
	for i, id := range ids {
		g.slots[id] = slots[i]
	}
	return g, nil
}

// acquire 依序取得鎖，任何一把失敗就釋放已取得的鎖
func (s *AccountStore) acquire(ctx context.Context, ids []string, slots []*accountSlot) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	for i, slot := range slots {
		if err := slot.sem.Acquire(waitCtx, 1); err != nil {
			for j := i - 1; j >= 0; j-- {
				slots[j].sem.Release(1)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: timed out waiting for account %s", domain.ErrVersionConflict, ids[i])
		}
	}
	return nil
}

// Snapshot 鎖定所有帳戶 (同時阻擋新增帳戶) 後呼叫 fn
// fn 拿到的帳戶依 ID 排序
func (s *AccountStore) Snapshot(ctx context.Context, fn func(accounts []domain.Account)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	slots := make([]*accountSlot, len(ids))
	for i, id := range ids {
		slots[i] = s.accounts[id]
	}

	if err := s.acquire(ctx, ids, slots); err != nil {
		return err
	}
	defer func() {
		for i := len(slots) - 1; i >= 0; i-- {
			slots[i].sem.Release(1)
		}
	}()

	accounts := make([]domain.Account, len(slots))
	for i, slot := range slots {
		accounts[i] = slot.account
	}
	fn(accounts)
	return nil
}

// Len 帳戶數量
func (s *AccountStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// undoEntry 一筆可沖正的異動
type undoEntry struct {
	slot *accountSlot
	// delta 非 0 表示餘額異動，以等額反向沖正
	delta int64
	// prev 狀態變更前的帳戶
	prev domain.Account
}

// guard 持有一組帳戶鎖，並記錄在鎖內套用過的異動
type guard struct {
	ids      []string
	slots    map[string]*accountSlot
	order    []*accountSlot
	undo     []undoEntry
	released bool
}

func (g *guard) slot(accountID string) (*accountSlot, error) {
	if g.released {
		return nil, fmt.Errorf("%w: guard already released", domain.ErrInvalidTransition)
	}
	slot, ok := g.slots[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s is not held by this guard", domain.ErrInvalidArgument, accountID)
	}
	return slot, nil
}

func (g *guard) Get(accountID string) (domain.Account, error) {
	slot, err := g.slot(accountID)
	if err != nil {
		return domain.Account{}, err
	}
	return slot.account, nil
}

// ApplyDelta 樂觀鎖檢查版本後套用異動
func (g *guard) ApplyDelta(accountID string, delta int64, expectedVersion uint64) (domain.Account, error) {
	slot, err := g.slot(accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if slot.account.Version != expectedVersion {
		return domain.Account{}, fmt.Errorf("%w: account %s expected version %d, current %d",
			domain.ErrVersionConflict, accountID, expectedVersion, slot.account.Version)
	}

	next := slot.account
	if err := next.ApplyDelta(delta); err != nil {
		return domain.Account{}, err
	}
	slot.account = next
	g.undo = append(g.undo, undoEntry{slot: slot, delta: delta})
	return next, nil
}

func (g *guard) SetStatus(accountID string, status domain.AccountStatus) (domain.Account, error) {
	slot, err := g.slot(accountID)
	if err != nil {
		return domain.Account{}, err
	}
	prev := slot.account
	next := prev
	if err := next.Transition(status); err != nil {
		return domain.Account{}, err
	}
	slot.account = next
	g.undo = append(g.undo, undoEntry{slot: slot, prev: prev})
	return next, nil
}

// Rollback 反向沖正所有異動，餘額與版本回到上鎖時的狀態
func (g *guard) Rollback() int {
	n := len(g.undo)
	for i := n - 1; i >= 0; i-- {
		u := g.undo[i]
		if u.delta != 0 {
			u.slot.account.Compensate(u.delta)
			continue
		}
		u.slot.account = u.prev
	}
	g.undo = nil
	return n
}

// Release 釋放所有鎖，重複呼叫無作用
func (g *guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.undo = nil
	for i := len(g.order) - 1; i >= 0; i-- {
		g.order[i].sem.Release(1)
	}
}

var _ usecase.AccountStore = (*AccountStore)(nil)
