package run

import (
	"fmt"
	"sort"
)

// 中文说明：
// 结算聚合：校验 settled 载荷的完整性，并从 votes + workerOutputs
// 重新推导最终决策。计票结果不信任传输层给的字段，必须可离线重算。

// Aggregate 校验结算记录并计票。workers 为归并器当前已知的 worker 集合。
// 校验规则：
// - 每个已知 worker 都要有输出条目；失败的 worker 条目必须携带错误信息
// - 每张票的 voter/target 都要能解析到输出条目，且不允许自投
// 计票规则：净得分 = 赞成 - 反对；只有成功输出者可胜出；
// 平票取 worker_complete 最早者；时间也相同时按 worker id 字典序，保证确定性。
func Aggregate(workers map[string]*WorkerProgress, res *SettledResult) (*SettledResult, error) {
	if res == nil {
		return nil, fmt.Errorf("结算记录为空")
	}
	out := res.Clone()

	byID := make(map[string]*WorkerOutput, len(out.WorkerOutputs))
	for i := range out.WorkerOutputs {
		o := &out.WorkerOutputs[i]
		if o.WorkerID == "" {
			return nil, fmt.Errorf("输出条目 #%d 缺少 worker_id", i)
		}
		if _, dup := byID[o.WorkerID]; dup {
			return nil, fmt.Errorf("worker %q 的输出条目重复", o.WorkerID)
		}
		byID[o.WorkerID] = o
	}

	for id, w := range workers {
		o, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("缺少 worker %q 的输出条目", id)
		}
		if w.Status == StatusError && o.Error == "" {
			// 失败的 worker 不能被悄悄抹掉，条目必须带上错误
			return nil, fmt.Errorf("worker %q 以失败收场，但输出条目未携带错误", id)
		}
	}

	net := make(map[string]int, len(byID))
	approves := make(map[string]int, len(byID))
	rejects := make(map[string]int, len(byID))
	for i, v := range out.Votes {
		if _, ok := byID[v.VoterID]; !ok {
			return nil, fmt.Errorf("第 %d 票的 voter %q 不在输出列表中", i, v.VoterID)
		}
		target, ok := byID[v.TargetID]
		if !ok {
			return nil, fmt.Errorf("第 %d 票的 target %q 不在输出列表中", i, v.TargetID)
		}
		if v.VoterID == v.TargetID {
			return nil, fmt.Errorf("worker %q 不允许给自己投票", v.VoterID)
		}
		switch v.Type {
		case VoteApprove:
			net[target.WorkerID]++
			approves[target.WorkerID]++
		case VoteReject:
			net[target.WorkerID]--
			rejects[target.WorkerID]++
		default:
			return nil, fmt.Errorf("第 %d 票的类型非法: %q", i, v.Type)
		}
	}

	out.FinalDecision = tally(out.WorkerOutputs, net, approves, rejects)
	return out, nil
}

// tally 选出净得分严格最高的成功输出。没有成功输出时返回 nil。
func tally(outputs []WorkerOutput, net, approves, rejects map[string]int) *FinalDecision {
	candidates := make([]WorkerOutput, 0, len(outputs))
	for _, o := range outputs {
		if o.Succeeded() {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	// 先按 id 排序，保证无论票的输入顺序如何结果都一致
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].WorkerID < candidates[j].WorkerID
	})
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case net[c.WorkerID] > net[best.WorkerID]:
			best = c
		case net[c.WorkerID] == net[best.WorkerID] && c.CompletedAt < best.CompletedAt:
			// 平票：先完成者胜出
			best = c
		}
	}
	return &FinalDecision{
		WorkerID: best.WorkerID,
		NetScore: net[best.WorkerID],
		Approves: approves[best.WorkerID],
		Rejects:  rejects[best.WorkerID],
	}
}
