// Package editor 保证多个操作员同时编辑同一批行时的一致性。
//
// 正确性只依赖 version 的 compare-and-set；编辑锁仅用于提示“有人正在编辑”，
// 超过 TTL 的锁视为过期，可被静默接管。
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relister/internal/model"
	"relister/internal/pkg/metrics"
	"relister/internal/store"
)

// DefaultLockTTL 是编辑锁的默认过期时间。
const DefaultLockTTL = 15 * time.Minute

var (
	ErrConflict   = store.ErrConflict
	ErrNotFound   = store.ErrNotFound
	ErrLocked     = errors.New("row locked by another actor")
	ErrBadRequest = errors.New("bad request")
)

// Store 是 Manager 依赖的持久化操作。
type Store interface {
	GetRow(ctx context.Context, rowID uint) (*model.Row, error)
	SaveRow(ctx context.Context, rowID uint, expected int64, patch store.RowPatch, actor string) (int64, error)
	GetLock(ctx context.Context, rowID uint) (*model.Lock, error)
	UpsertLock(ctx context.Context, rowID uint, actor string) (*model.Lock, error)
	DeleteLock(ctx context.Context, rowID uint) error
}

// Mutation 是一次保存请求。SelectedIdx / Skip / Delete 整体覆盖行上的值；
// Baedaji 为 nil 表示不修改，ClearBaedaji 显式清空。
type Mutation struct {
	SelectedIdx     *int
	Baedaji         *int64
	ClearBaedaji    bool
	Skip            bool
	Delete          bool
	ExpectedVersion int64
	Actor           string
}

// Normalize 施加互斥规则：skip 或 delete 清空 selected_idx；delete 优先于 skip。
func (m Mutation) Normalize() Mutation {
	if m.Delete {
		m.Skip = false
	}
	if m.Skip || m.Delete {
		m.SelectedIdx = nil
	}
	return m
}

// LockInfo 描述行当前的编辑锁。
type LockInfo struct {
	Held        bool      `json:"held"`
	LockedBy    string    `json:"locked_by,omitempty"`
	LockedAt    time.Time `json:"locked_at,omitempty"`
	Stale       bool      `json:"stale"`
	HeldByOther bool      `json:"held_by_other"`
}

// Manager 处理行保存与编辑锁。
type Manager struct {
	store  Store
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewManager 创建 Manager；ttl 不大于 0 时使用 DefaultLockTTL。
func NewManager(st Store, logger *slog.Logger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Manager{store: st, logger: logger, ttl: ttl, now: time.Now}
}

// Save 在 version 等于 ExpectedVersion 时写入，返回新 version。
//
// 不检查编辑锁；成功后释放该行的锁。status 不会被修改。
func (m *Manager) Save(ctx context.Context, rowID uint, mut Mutation) (int64, error) {
	if mut.Actor == "" {
		return 0, fmt.Errorf("%w: actor required", ErrBadRequest)
	}
	if mut.SelectedIdx != nil && (*mut.SelectedIdx < 0 || *mut.SelectedIdx >= model.CandidateSlots) {
		return 0, fmt.Errorf("%w: selected_idx out of range", ErrBadRequest)
	}
	if mut.Baedaji != nil && *mut.Baedaji < 0 {
		return 0, fmt.Errorf("%w: baedaji must not be negative", ErrBadRequest)
	}
	if mut.ExpectedVersion < 0 {
		return 0, fmt.Errorf("%w: expected_version must not be negative", ErrBadRequest)
	}
	if mut.Baedaji != nil && mut.ClearBaedaji {
		return 0, fmt.Errorf("%w: baedaji and clear_baedaji are exclusive", ErrBadRequest)
	}
	mut = mut.Normalize()

	v, err := m.store.SaveRow(ctx, rowID, mut.ExpectedVersion, store.RowPatch{
		SelectedIdx:  mut.SelectedIdx,
		Baedaji:      mut.Baedaji,
		ClearBaedaji: mut.ClearBaedaji,
		Skip:         mut.Skip,
		Delete:       mut.Delete,
	}, mut.Actor)
	if errors.Is(err, store.ErrConflict) {
		metrics.SaveConflictsTotal.Inc()
		m.logger.Info("row save conflict",
			slog.Uint64("row_id", uint64(rowID)),
			slog.Int64("expected_version", mut.ExpectedVersion),
			slog.String("actor", mut.Actor))
		return 0, err
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Acquire 为 actor 占用编辑锁。
//
// 其他人持有未过期的锁且 force=false 时返回 ErrLocked 及当前锁信息；
// 自己的锁或过期的锁直接续期/接管。
func (m *Manager) Acquire(ctx context.Context, rowID uint, actor string, force bool) (LockInfo, error) {
	if actor == "" {
		return LockInfo{}, fmt.Errorf("%w: actor required", ErrBadRequest)
	}
	if _, err := m.store.GetRow(ctx, rowID); err != nil {
		return LockInfo{}, err
	}

	current, err := m.Inspect(ctx, rowID, actor)
	if err != nil {
		return LockInfo{}, err
	}
	if current.HeldByOther && !current.Stale && !force {
		return current, ErrLocked
	}
	if current.Held && current.LockedBy != actor {
		m.logger.Debug("taking over row lock",
			slog.Uint64("row_id", uint64(rowID)),
			slog.String("from", current.LockedBy),
			slog.String("to", actor),
			slog.Bool("stale", current.Stale))
	}

	lk, err := m.store.UpsertLock(ctx, rowID, actor)
	if err != nil {
		return LockInfo{}, err
	}
	return m.info(lk, actor), nil
}

// Release 删除编辑锁。
func (m *Manager) Release(ctx context.Context, rowID uint) error {
	return m.store.DeleteLock(ctx, rowID)
}

// Inspect 返回行的锁状态；viewer 用于计算 HeldByOther。
func (m *Manager) Inspect(ctx context.Context, rowID uint, viewer string) (LockInfo, error) {
	lk, err := m.store.GetLock(ctx, rowID)
	if errors.Is(err, store.ErrNotFound) {
		return LockInfo{}, nil
	}
	if err != nil {
		return LockInfo{}, err
	}
	return m.info(lk, viewer), nil
}

func (m *Manager) info(lk *model.Lock, viewer string) LockInfo {
	return LockInfo{
		Held:        true,
		LockedBy:    lk.LockedBy,
		LockedAt:    lk.LockedAt,
		Stale:       m.now().Sub(lk.LockedAt) > m.ttl,
		HeldByOther: lk.LockedBy != viewer,
	}
}
