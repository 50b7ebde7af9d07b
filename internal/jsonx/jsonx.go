// Package jsonx 提供对模型输出的宽松 JSON 解析：剥离代码围栏、
// 提取最外层平衡花括号、修复尾随逗号后再解码。
package jsonx

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON 表示文本中找不到可解析的 JSON 对象。
var ErrNoJSON = errors.New("no JSON object found")

// Decode 从可能带噪声的模型输出中解析一个 JSON 对象到 v。
func Decode(raw string, v any) error {
	cleaned := Extract(raw)
	if cleaned == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(cleaned), v); err == nil {
		return nil
	}
	repaired := stripTrailingCommas(cleaned)
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return err
	}
	return nil
}

// Extract 返回文本中第一个最外层平衡的 JSON 对象；找不到返回空串。
func Extract(raw string) string {
	s := stripFences(strings.TrimSpace(raw))

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// stripFences 去掉 markdown 代码围栏（```json ... ``` 或 ``` ... ```）。
func stripFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	first := strings.Index(s, "```")
	rest := s[first+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// 跳过围栏标记行（可能带语言标签）
		head := strings.TrimSpace(rest[:nl])
		if head == "" || isLanguageTag(head) {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

func isLanguageTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return len(s) <= 16
}

// stripTrailingCommas 移除对象与数组里的尾随逗号（字符串字面量内不动）。
func stripTrailingCommas(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			sb.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			sb.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // 丢弃尾随逗号
			}
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
