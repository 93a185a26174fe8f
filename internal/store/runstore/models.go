package runstore

import "gorm.io/datatypes"

// runModel 归档一次已结束的运行。Result 保存完整 SettledResult JSON。
type runModel struct {
	ID         int64          `gorm:"column:id;primaryKey"`
	RunID      string         `gorm:"column:run_id;uniqueIndex"`
	Harness    string         `gorm:"column:harness"`
	BudgetUSD  float64        `gorm:"column:budget_usd"`
	Symbols    string         `gorm:"column:symbols"`
	Phase      string         `gorm:"column:phase;index"`
	WinnerID   string         `gorm:"column:winner_id"`
	NetScore   int            `gorm:"column:net_score"`
	Error      string         `gorm:"column:error"`
	Result     datatypes.JSON `gorm:"column:result"`
	SettledAt  int64          `gorm:"column:settled_at;index"`
	CreatedAt  int64          `gorm:"column:created_at;autoCreateTime"`
}

func (runModel) TableName() string { return "arena_runs" }

// adoptionModel 记录用户采纳某 worker 决策的动作，(run_id, worker_id) 唯一。
type adoptionModel struct {
	ID        int64  `gorm:"column:id;primaryKey"`
	RunID     string `gorm:"column:run_id;uniqueIndex:idx_adoption_run_worker"`
	WorkerID  string `gorm:"column:worker_id;uniqueIndex:idx_adoption_run_worker"`
	AdoptedAt int64  `gorm:"column:adopted_at"`
}

func (adoptionModel) TableName() string { return "arena_adoptions" }
