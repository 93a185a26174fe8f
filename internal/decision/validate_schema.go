package decision

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// 分配决策数组的结构约束。宽松：只卡住必填字段与类型，
// 数值语义（百分数权重等）交给 NormalizeAllocations。
const allocationSchemaJSON = `{
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["symbol", "action", "weight"],
    "properties": {
      "symbol": {"type": "string", "minLength": 1},
      "action": {"type": "string", "minLength": 1},
      "weight": {"type": "number", "minimum": 0},
      "confidence": {"type": "number"},
      "reasoning": {"type": "string"}
    }
  }
}`

var allocationSchema = mustCompile(allocationSchemaJSON)

func mustCompile(raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("allocation.json", strings.NewReader(raw)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("allocation.json")
}

// ValidateAllocationArray 先做 gjson 粗检（有效 JSON、根为数组、action 非空），
// 再用 jsonschema 做字段级校验。返回 nil 表示结构化输出合格。
func ValidateAllocationArray(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("json 内容为空")
	}
	if !gjson.Valid(raw) {
		return fmt.Errorf("json 格式无效")
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		return fmt.Errorf("根节点必须是 JSON 数组")
	}
	hasAction := false
	parsed.ForEach(func(_, value gjson.Result) bool {
		if strings.TrimSpace(value.Get("action").String()) != "" {
			hasAction = true
			return false
		}
		return true
	})
	if !hasAction {
		return fmt.Errorf("未检测到 action 字段")
	}
	var doc any
	if err := jsonUnmarshal(raw, &doc); err != nil {
		return err
	}
	if err := allocationSchema.Validate(doc); err != nil {
		return fmt.Errorf("schema 校验失败: %w", err)
	}
	return nil
}
