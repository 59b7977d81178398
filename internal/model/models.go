package model

import (
	"time"
)

// CandidateSlots 是每个已搜索行固定的候选数量。
const CandidateSlots = 8

// RowStatus 表示行的处理状态。
type RowStatus string

const (
	RowStatusPending RowStatus = "pending" // 已导入，尚未搜索
	RowStatusReady   RowStatus = "ready"   // 候选已写入
	RowStatusDone    RowStatus = "done"    // 已导出（与 ready 等价）
	RowStatusEmpty   RowStatus = "empty"   // 上游没有返回任何结果
	RowStatusError   RowStatus = "error"   // 本轮搜索失败
)

// Completed 返回该状态是否表示本轮搜索已结束（成功或失败）。
func (s RowStatus) Completed() bool {
	switch s {
	case RowStatusReady, RowStatusDone, RowStatusEmpty, RowStatusError:
		return true
	default:
		return false
	}
}

// Session 表示一批一起导入、一起导出的行。
type Session struct {
	ID        string    `gorm:"type:varchar(191);primaryKey"` // 会话 ID（由操作员指定）
	PinHash   string    `gorm:"type:varchar(191)"`            // bcrypt 哈希，空表示无需 PIN
	CreatedAt time.Time // 创建时间
}

// Row 表示一条待重新上架的商品（一张源图 + 名称）。
//
// SelectedIdx / Skip / Delete 三者互斥；Version 只增不减，用于乐观并发控制。
type Row struct {
	RowID     uint   `gorm:"column:row_id;primaryKey" json:"row_id"`
	SessionID string `gorm:"type:varchar(191);index:idx_rows_session_order,priority:1;not null" json:"session_id"`
	OrderNo   int    `gorm:"index:idx_rows_session_order,priority:2" json:"order_no"`

	PrevName    string `json:"prev_name"`
	Category    string `json:"category"`
	SrcImageURL string `gorm:"column:src_img_url" json:"src_img_url"`

	SelectedIdx *int      `json:"selected_idx"`
	Baedaji     *int64    `json:"baedaji"` // 附加运费（最小货币单位）
	Skip        bool      `gorm:"default:false" json:"skip"`
	Delete      bool      `gorm:"column:is_deleted;default:false" json:"delete"`
	Status      RowStatus `gorm:"type:varchar(16);default:pending;index" json:"status"`
	Version     int64     `gorm:"default:0;not null" json:"version"`
	EditedBy    string    `gorm:"type:varchar(191)" json:"edited_by"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName ROWS 是 MySQL 8 保留字。
func (Row) TableName() string { return "relist_rows" }

// Candidate 是上游以图搜图返回的单个结果，按 (RowID, Idx) 唯一。
type Candidate struct {
	RowID      uint     `gorm:"column:row_id;primaryKey;autoIncrement:false" json:"-"`
	Idx        int      `gorm:"primaryKey;autoIncrement:false" json:"idx"`
	ImageURL   string   `gorm:"column:img_url" json:"img_url"`
	DetailURL  string   `json:"detail_url"`
	Price      *float64 `json:"price"`
	PromoPrice *float64 `json:"promo_price"`
	Sales      *string  `json:"sales"`
	Seller     *string  `json:"seller"`
}

// IsEmpty 判断候选是否为填充用的空位。
func (c Candidate) IsEmpty() bool {
	return c.ImageURL == "" && c.DetailURL == "" && c.Price == nil && c.PromoPrice == nil && c.Sales == nil && c.Seller == nil
}

// Lock 是建议性的“正在编辑”标记，超过 TTL 由读取方视为过期。
type Lock struct {
	RowID    uint      `gorm:"column:row_id;primaryKey;autoIncrement:false" json:"row_id"`
	LockedBy string    `gorm:"type:varchar(191);not null" json:"locked_by"`
	LockedAt time.Time `json:"locked_at"`
}

func (Lock) TableName() string { return "row_locks" }

// Progress 是会话的派生进度，不单独存储。
type Progress struct {
	Total int64   `json:"total"`
	Done  int64   `json:"done"`
	Ratio float64 `json:"ratio"`
}

// NewProgress 计算比例，结果限制在 [0,1]，total 为 0 时为 1。
func NewProgress(total, done int64) Progress {
	if done < 0 {
		done = 0
	}
	ratio := 1.0
	if total > 0 {
		ratio = float64(done) / float64(total)
		if ratio > 1 {
			ratio = 1
		}
	}
	return Progress{Total: total, Done: done, Ratio: ratio}
}
