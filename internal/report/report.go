package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"arena/internal/run"
	"arena/internal/store/runstore"
)

const (
	colorApprove = "#2f9e44"
	colorReject  = "#e03131"
	colorWinner  = "#f59f00"
	colorNeutral = "#4dabf7"
)

// Render 生成一次结算运行的 HTML 战报：计票柱状图 + 最终决策摘要。
func Render(w io.Writer, rec runstore.RunRecord, adoptions []runstore.Adoption) error {
	if rec.Result == nil {
		return fmt.Errorf("运行 %s 没有结算结果，无法生成战报", rec.RunID)
	}
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("arena run %s", rec.RunID)
	page.AddCharts(buildTallyChart(rec, adoptions), buildNetScoreChart(rec))
	return page.Render(w)
}

func workerIDs(res *run.SettledResult) []string {
	ids := make([]string, 0, len(res.WorkerOutputs))
	for _, o := range res.WorkerOutputs {
		ids = append(ids, o.WorkerID)
	}
	sort.Strings(ids)
	return ids
}

func buildTallyChart(rec runstore.RunRecord, adoptions []runstore.Adoption) *charts.Bar {
	res := rec.Result
	ids := workerIDs(res)
	approves := make(map[string]int, len(ids))
	rejects := make(map[string]int, len(ids))
	for _, v := range res.Votes {
		if v.Type == run.VoteApprove {
			approves[v.TargetID]++
		} else {
			rejects[v.TargetID]++
		}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: types.ThemeWesteros, Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("投票结果 run=%s", rec.RunID),
			Subtitle: fmt.Sprintf("harness=%s budget=%.0f USD adoptions=%d", rec.Harness, rec.BudgetUSD, len(adoptions)),
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	approveData := make([]opts.BarData, len(ids))
	rejectData := make([]opts.BarData, len(ids))
	for i, id := range ids {
		approveData[i] = opts.BarData{Value: approves[id], ItemStyle: &opts.ItemStyle{Color: colorApprove}}
		rejectData[i] = opts.BarData{Value: rejects[id], ItemStyle: &opts.ItemStyle{Color: colorReject}}
	}
	bar.SetXAxis(ids)
	bar.AddSeries("approve", approveData)
	bar.AddSeries("reject", rejectData)
	return bar
}

func buildNetScoreChart(rec runstore.RunRecord) *charts.Bar {
	res := rec.Result
	ids := workerIDs(res)
	net := make(map[string]int, len(ids))
	for _, v := range res.Votes {
		if v.Type == run.VoteApprove {
			net[v.TargetID]++
		} else {
			net[v.TargetID]--
		}
	}
	winner := ""
	if res.FinalDecision != nil {
		winner = res.FinalDecision.WorkerID
	}

	subtitle := "无最终决策（全员失败或无票可计）"
	if winner != "" {
		subtitle = fmt.Sprintf("winner=%s net_score=%d", winner, res.FinalDecision.NetScore)
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: types.ThemeWesteros, Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "净得分", Subtitle: subtitle}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	data := make([]opts.BarData, len(ids))
	for i, id := range ids {
		color := colorNeutral
		if id == winner {
			color = colorWinner
		}
		data[i] = opts.BarData{Value: net[id], ItemStyle: &opts.ItemStyle{Color: color}}
	}
	bar.SetXAxis(ids)
	bar.AddSeries("net", data)
	return bar
}
