package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

// 中文说明：
// 模型调用落盘日志：把每次 provider 请求/响应原文写到独立文件，便于复盘
// 某个 worker 的输出是如何产生的。与常规日志分离，默认关闭。

var (
	dumpMu  sync.Mutex
	dumpLog *log.Logger
)

func SetModelDumpWriter(w io.Writer) {
	dumpMu.Lock()
	defer dumpMu.Unlock()
	if w == nil {
		dumpLog = nil
		return
	}
	dumpLog = log.New(w, "", log.LstdFlags)
}

type dumpSection struct {
	Title string
	Body  string
}

func logModel(kind, workerID, purpose string, sections []dumpSection) {
	dumpMu.Lock()
	l := dumpLog
	dumpMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[MODEL]")
	if kind != "" {
		b.WriteString("[" + kind + "]")
	}
	if workerID != "" {
		b.WriteString("[" + workerID + "]")
	}
	if purpose != "" {
		b.WriteString("[" + purpose + "]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		title := strings.TrimSpace(sec.Title)
		if title == "" {
			title = "CONTENT"
		}
		b.WriteString("--- " + title + " ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}

func LogModelRequest(workerID, purpose, systemPrompt, userPrompt string) {
	logModel("request", workerID, purpose, []dumpSection{
		{Title: "SYSTEM", Body: systemPrompt},
		{Title: "USER", Body: userPrompt},
	})
}

func LogModelResponse(workerID, purpose, raw string) {
	logModel("response", workerID, purpose, []dumpSection{{Title: "RAW", Body: raw}})
}
