package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"arena/internal/run"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	_ "modernc.org/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("run not found")

// Store 用 Gorm + SQLite 归档已结束的运行与采纳记录。
type Store struct {
	db *gorm.DB
}

// RunRecord 对外暴露的归档记录。
type RunRecord struct {
	RunID     string             `json:"run_id"`
	Harness   string             `json:"harness"`
	BudgetUSD float64            `json:"budget_usd"`
	Symbols   []string           `json:"symbols,omitempty"`
	Phase     run.Phase          `json:"phase"`
	WinnerID  string             `json:"winner_id,omitempty"`
	NetScore  int                `json:"net_score"`
	Error     string             `json:"error,omitempty"`
	Result    *run.SettledResult `json:"result,omitempty"`
	SettledAt int64              `json:"settled_at"`
}

// Adoption 一条采纳记录。
type Adoption struct {
	RunID     string `json:"run_id"`
	WorkerID  string `json:"worker_id"`
	AdoptedAt int64  `json:"adopted_at"`
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("run archive path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	// CGO_ENABLED=0 下 mattn/go-sqlite3 只是 stub；DSN 也是 modernc 的
	// _pragma 语法，因此把 dialector 指到纯 Go 的 "sqlite" 驱动。
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&runModel{}, &adoptionModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL：给并发 HTTP 读留一点余量，同时控制锁竞争
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// Archive 归档一次到达终态的运行。重复归档同一 run_id 覆盖旧记录。
func (s *Store) Archive(ctx context.Context, rec RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store 未初始化")
	}
	if strings.TrimSpace(rec.RunID) == "" {
		return fmt.Errorf("run_id 不能为空")
	}
	var resultJSON datatypes.JSON
	if rec.Result != nil {
		raw, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("序列化结算结果失败: %w", err)
		}
		resultJSON = raw
	}
	winnerID := rec.WinnerID
	netScore := rec.NetScore
	if rec.Result != nil && rec.Result.FinalDecision != nil {
		winnerID = rec.Result.FinalDecision.WorkerID
		netScore = rec.Result.FinalDecision.NetScore
	}
	settledAt := rec.SettledAt
	if settledAt == 0 {
		settledAt = time.Now().UnixMilli()
	}
	row := runModel{
		RunID:     rec.RunID,
		Harness:   rec.Harness,
		BudgetUSD: rec.BudgetUSD,
		Symbols:   strings.Join(rec.Symbols, ","),
		Phase:     string(rec.Phase),
		WinnerID:  winnerID,
		NetScore:  netScore,
		Error:     rec.Error,
		Result:    resultJSON,
		SettledAt: settledAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"harness", "budget_usd", "symbols", "phase", "winner_id", "net_score", "error", "result", "settled_at",
		}),
	}).Create(&row).Error
}

// Get 返回一条归档记录。
func (s *Store) Get(ctx context.Context, runID string) (*RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store 未初始化")
	}
	var row runModel
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToRecord(row)
}

// List 返回最近归档的运行，按结算时间倒序。
func (s *Store) List(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store 未初始化")
	}
	if limit <= 0 {
		limit = 50
	}
	var rows []runModel
	if err := s.db.WithContext(ctx).Order("settled_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := rowToRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Adopt 记录一次采纳。worker 必须出现在该运行的结算输出里，
// 重复采纳同一 (run, worker) 幂等。
func (s *Store) Adopt(ctx context.Context, runID, workerID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store 未初始化")
	}
	rec, err := s.Get(ctx, runID)
	if err != nil {
		return err
	}
	if rec.Result == nil {
		return fmt.Errorf("运行 %s 没有结算结果，无法采纳", runID)
	}
	found := false
	for _, o := range rec.Result.WorkerOutputs {
		if o.WorkerID == workerID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("worker %q 不在运行 %s 的结算输出中", workerID, runID)
	}
	row := adoptionModel{
		RunID:     runID,
		WorkerID:  workerID,
		AdoptedAt: time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// Adoptions 返回一次运行的全部采纳记录。
func (s *Store) Adoptions(ctx context.Context, runID string) ([]Adoption, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store 未初始化")
	}
	var rows []adoptionModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("adopted_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Adoption, 0, len(rows))
	for _, row := range rows {
		out = append(out, Adoption{RunID: row.RunID, WorkerID: row.WorkerID, AdoptedAt: row.AdoptedAt})
	}
	return out, nil
}

// Recall 实现流水线的记忆接口：汇总最近几次结算运行的胜者结论。
func (s *Store) Recall(ctx context.Context, symbols []string) (string, error) {
	recs, err := s.List(ctx, 5)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, rec := range recs {
		if rec.Phase != run.PhaseSettled || rec.Result == nil || rec.Result.FinalDecision == nil {
			continue
		}
		winner := rec.Result.FinalDecision
		fmt.Fprintf(&sb, "run %s: winner=%s net_score=%d", rec.RunID, winner.WorkerID, winner.NetScore)
		for _, o := range rec.Result.WorkerOutputs {
			if o.WorkerID != winner.WorkerID {
				continue
			}
			for _, a := range o.Allocations {
				fmt.Fprintf(&sb, " %s/%s w=%s", a.Symbol, a.Action, a.Weight.String())
			}
		}
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no settled runs archived yet")
	}
	return sb.String(), nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rowToRecord(row runModel) (*RunRecord, error) {
	rec := RunRecord{
		RunID:     row.RunID,
		Harness:   row.Harness,
		BudgetUSD: row.BudgetUSD,
		Phase:     run.Phase(row.Phase),
		WinnerID:  row.WinnerID,
		NetScore:  row.NetScore,
		Error:     row.Error,
		SettledAt: row.SettledAt,
	}
	if row.Symbols != "" {
		rec.Symbols = strings.Split(row.Symbols, ",")
	}
	if len(row.Result) > 0 {
		var res run.SettledResult
		if err := json.Unmarshal(row.Result, &res); err != nil {
			return nil, fmt.Errorf("解析归档结果失败 (run=%s): %w", row.RunID, err)
		}
		rec.Result = &res
	}
	return &rec, nil
}
