// Package store 是会话、行、候选与编辑锁的持久化层（gorm）。
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relister/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("version conflict")
)

// Store 封装 gorm 数据库访问。
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open 连接 MySQL 并执行自动迁移。
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	s := New(db)
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New 基于已有连接创建 Store（测试中使用 sqlite）。
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AutoMigrate 创建或更新表结构。
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&model.Session{}, &model.Row{}, &model.Candidate{}, &model.Lock{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// DB 返回底层连接。
func (s *Store) DB() *gorm.DB { return s.db }

// Ping 检查数据库连通性。
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// GetSession 按 ID 读取会话。
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// CreateSession 创建会话；已存在时返回现有记录，created=false。
func (s *Store) CreateSession(ctx context.Context, id, pinHash string) (*model.Session, bool, error) {
	sess := model.Session{ID: id, PinHash: pinHash, CreatedAt: s.now()}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&sess)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create session: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &sess, true, nil
	}
	existing, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ResetSession 整批重置：删除会话下所有候选、锁和行，然后以 pending/version 0 插入新行。
//
// OrderNo 为 0 的行按输入顺序从 1 开始编号。
func (s *Store) ResetSession(ctx context.Context, sessionID string, rows []model.Row) ([]model.Row, error) {
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := tx.Model(&model.Row{}).Select("row_id").Where("session_id = ?", sessionID)
		if err := tx.Where("row_id IN (?)", ids).Delete(&model.Candidate{}).Error; err != nil {
			return fmt.Errorf("delete candidates: %w", err)
		}
		if err := tx.Where("row_id IN (?)", ids).Delete(&model.Lock{}).Error; err != nil {
			return fmt.Errorf("delete locks: %w", err)
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&model.Row{}).Error; err != nil {
			return fmt.Errorf("delete rows: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		for i := range rows {
			rows[i].RowID = 0
			rows[i].SessionID = sessionID
			if rows[i].OrderNo == 0 {
				rows[i].OrderNo = i + 1
			}
			rows[i].SelectedIdx = nil
			rows[i].Skip = false
			rows[i].Delete = false
			rows[i].Status = model.RowStatusPending
			rows[i].Version = 0
			rows[i].EditedBy = ""
			rows[i].UpdatedAt = now
		}
		if err := tx.CreateInBatches(&rows, 200).Error; err != nil {
			return fmt.Errorf("insert rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListRows 按 order_no 返回会话的全部行。
func (s *Store) ListRows(ctx context.Context, sessionID string) ([]model.Row, error) {
	var rows []model.Row
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("order_no, row_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	return rows, nil
}

// RowsToProcess 返回一次预取需要处理的行；onlyIncomplete 时跳过已结束（ready/done/empty）的行。
func (s *Store) RowsToProcess(ctx context.Context, sessionID string, onlyIncomplete bool) ([]model.Row, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if onlyIncomplete {
		q = q.Where("status IN ?", []model.RowStatus{model.RowStatusPending, model.RowStatusError})
	}
	var rows []model.Row
	if err := q.Order("order_no, row_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("rows to process: %w", err)
	}
	return rows, nil
}

// GetRow 读取单行。
func (s *Store) GetRow(ctx context.Context, rowID uint) (*model.Row, error) {
	var row model.Row
	err := s.db.WithContext(ctx).Where("row_id = ?", rowID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get row: %w", err)
	}
	return &row, nil
}

// Candidates 返回行的候选，按槽位排序。
func (s *Store) Candidates(ctx context.Context, rowID uint) ([]model.Candidate, error) {
	var cands []model.Candidate
	if err := s.db.WithContext(ctx).Where("row_id = ?", rowID).Order("idx").Find(&cands).Error; err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	return cands, nil
}

// ReplaceCandidates 在同一事务中删除旧候选、插入 8 个新候选并更新行状态。
//
// 读者要么看到完整的旧集合，要么看到完整的新集合。
func (s *Store) ReplaceCandidates(ctx context.Context, rowID uint, cands [model.CandidateSlots]model.Candidate, status model.RowStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("row_id = ?", rowID).Delete(&model.Candidate{}).Error; err != nil {
			return fmt.Errorf("delete candidates: %w", err)
		}
		batch := make([]model.Candidate, 0, model.CandidateSlots)
		for i, c := range cands {
			c.RowID = rowID
			c.Idx = i
			batch = append(batch, c)
		}
		if err := tx.Create(&batch).Error; err != nil {
			return fmt.Errorf("insert candidates: %w", err)
		}
		res := tx.Model(&model.Row{}).Where("row_id = ?", rowID).
			Updates(map[string]any{"status": status, "updated_at": s.now()})
		if res.Error != nil {
			return fmt.Errorf("update row status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetStatus 只更新状态，候选保持不变（用于搜索失败的行）。
func (s *Store) SetStatus(ctx context.Context, rowID uint, status model.RowStatus) error {
	res := s.db.WithContext(ctx).Model(&model.Row{}).Where("row_id = ?", rowID).
		Updates(map[string]any{"status": status, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("set status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RowPatch 是一次操作员保存写入的字段。
//
// SelectedIdx / Skip / Delete 整体覆盖；Baedaji 为 nil 时保留原值，
// 需要清空时设置 ClearBaedaji。
type RowPatch struct {
	SelectedIdx  *int
	Baedaji      *int64
	ClearBaedaji bool
	Skip         bool
	Delete       bool
}

func (p RowPatch) columns(actor string, now time.Time) map[string]any {
	cols := map[string]any{
		"selected_idx": p.SelectedIdx,
		"skip":         p.Skip,
		"is_deleted":   p.Delete,
		"edited_by":    actor,
		"updated_at":   now,
		"version":      gorm.Expr("version + 1"),
	}
	switch {
	case p.Baedaji != nil:
		cols["baedaji"] = *p.Baedaji
	case p.ClearBaedaji:
		cols["baedaji"] = nil
	}
	return cols
}

// SaveRow 以 compare-and-set 方式写入：仅当当前 version 等于 expected 时成功，version 加一。
//
// 成功时同时删除该行的编辑锁。version 不匹配返回 ErrConflict，行不存在返回 ErrNotFound。
func (s *Store) SaveRow(ctx context.Context, rowID uint, expected int64, patch RowPatch, actor string) (int64, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Row{}).
			Where("row_id = ? AND version = ?", rowID, expected).
			Updates(patch.columns(actor, s.now()))
		if res.Error != nil {
			return fmt.Errorf("save row: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&model.Row{}).Where("row_id = ?", rowID).Count(&n).Error; err != nil {
				return fmt.Errorf("check row: %w", err)
			}
			if n == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		if err := tx.Where("row_id = ?", rowID).Delete(&model.Lock{}).Error; err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expected + 1, nil
}

// AutoSelect 仅在行尚无操作员选择时写入 selected_idx，返回是否写入。
func (s *Store) AutoSelect(ctx context.Context, rowID uint, idx int, actor string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Row{}).
		Where("row_id = ? AND selected_idx IS NULL AND skip = ? AND is_deleted = ?", rowID, false, false).
		Updates(map[string]any{
			"selected_idx": idx,
			"edited_by":    actor,
			"updated_at":   s.now(),
			"version":      gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("auto select: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GetLock 读取行的编辑锁，不存在返回 ErrNotFound。
func (s *Store) GetLock(ctx context.Context, rowID uint) (*model.Lock, error) {
	var lk model.Lock
	err := s.db.WithContext(ctx).Where("row_id = ?", rowID).First(&lk).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return &lk, nil
}

// UpsertLock 写入或覆盖编辑锁。
func (s *Store) UpsertLock(ctx context.Context, rowID uint, actor string) (*model.Lock, error) {
	lk := model.Lock{RowID: rowID, LockedBy: actor, LockedAt: s.now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "row_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"locked_by", "locked_at"}),
	}).Create(&lk).Error
	if err != nil {
		return nil, fmt.Errorf("upsert lock: %w", err)
	}
	return &lk, nil
}

// DeleteLock 删除编辑锁（不存在时不报错）。
func (s *Store) DeleteLock(ctx context.Context, rowID uint) error {
	if err := s.db.WithContext(ctx).Where("row_id = ?", rowID).Delete(&model.Lock{}).Error; err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

// Progress 统计会话的总行数与已结束行数。
func (s *Store) Progress(ctx context.Context, sessionID string) (model.Progress, error) {
	type counts struct {
		Total int64
		Done  int64
	}
	var c counts
	completed := []model.RowStatus{model.RowStatusReady, model.RowStatusDone, model.RowStatusEmpty, model.RowStatusError}
	err := s.db.WithContext(ctx).Model(&model.Row{}).
		Select("COUNT(*) AS total, COALESCE(SUM(CASE WHEN status IN ? THEN 1 ELSE 0 END), 0) AS done", completed).
		Where("session_id = ?", sessionID).
		Scan(&c).Error
	if err != nil {
		return model.Progress{}, fmt.Errorf("progress: %w", err)
	}
	return model.NewProgress(c.Total, c.Done), nil
}

// NextRow 返回按 order_no 的第一个待编辑行（pending/ready/done 且无选择、未跳过、未删除）。
func (s *Store) NextRow(ctx context.Context, sessionID string) (*model.Row, error) {
	var row model.Row
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND status IN ? AND selected_idx IS NULL AND skip = ? AND is_deleted = ?",
			sessionID, []model.RowStatus{model.RowStatusPending, model.RowStatusReady, model.RowStatusDone}, false, false).
		Order("order_no, row_id").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next row: %w", err)
	}
	return &row, nil
}
