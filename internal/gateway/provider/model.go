package provider

import "context"

type ChatPayload struct {
	System     string
	User       string
	ExpectJSON bool
}

// ModelProvider 是单个参赛模型的调用抽象。
type ModelProvider interface {
	ID() string
	// WorkerID 形如 provider:model，与运行状态机中的 worker 标识一致。
	WorkerID() string
	ExpectsJSON() bool

	Call(ctx context.Context, payload ChatPayload) (string, error)
}
