package jsonutil

import "strings"

// 中文说明：
// 从模型原始输出里提取 JSON 片段：优先取 ``` 代码块，其次取首个平衡的
// 数组/对象。模型经常在 JSON 前后附带解释文字，直接 Unmarshal 会失败。

const codeFence = "```"

// ExtractJSON 返回首个可用的 JSON 数组或对象文本。
func ExtractJSON(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if block, ok := extractFromFence(raw); ok {
		return block, true
	}
	if arr, ok := balanced(raw, '[', ']'); ok {
		return arr, true
	}
	return balanced(raw, '{', '}')
}

func extractFromFence(raw string) (string, bool) {
	start := strings.Index(raw, codeFence)
	if start == -1 {
		return "", false
	}
	rest := raw[start+len(codeFence):]
	end := strings.Index(rest, codeFence)
	if end == -1 {
		return "", false
	}
	block := strings.TrimLeft(rest[:end], "\r\n")
	// 去掉 ```json 这类语言标记行
	if idx := strings.Index(block, "\n"); idx != -1 {
		first := strings.TrimSpace(block[:idx])
		if first != "" && !strings.ContainsAny(first, "[{") {
			block = block[idx+1:]
		}
	}
	block = strings.TrimSpace(block)
	if block == "" {
		return "", false
	}
	if arr, ok := balanced(block, '[', ']'); ok {
		return arr, true
	}
	if obj, ok := balanced(block, '{', '}'); ok {
		return obj, true
	}
	return block, true
}

// balanced 返回从首个 open 起、括号配平的片段，跳过字符串字面量内部。
func balanced(raw string, open, close byte) (string, bool) {
	start := strings.IndexByte(raw, open)
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch ch {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return strings.TrimSpace(raw[start : i+1]), true
			}
		}
	}
	return "", false
}
