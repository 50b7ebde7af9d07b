package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/wellgate/gateway"
	"github.com/BaSui01/wellgate/internal/jsonx"
)

// Profile 抽取时可用的用户画像。
type Profile struct {
	Goals        []string `json:"goals"`
	CoachingMode string   `json:"coaching_mode"`
}

// 显式触发短语：命中即判定为 instruction，不再请求推理模型。
var triggerPhrases = []string{
	"remember that",
	"don't forget",
	"dont forget",
	"save this",
	"note that",
}

// ExtractorConfig 抽取器配置。
type ExtractorConfig struct {
	// Model 判定用的推理模型；空串让适配器选默认模型。
	Model string `yaml:"model" json:"model"`
	// MemoryWindow 提示中携带的既有记忆条数（矛盾提示用）。
	MemoryWindow int `yaml:"memory_window" json:"memory_window"`
}

// Extractor 判定单条用户消息是否值得记忆。
type Extractor struct {
	cfg      ExtractorConfig
	provider gateway.Provider
	logger   *zap.Logger
}

// NewExtractor 创建抽取器。provider 为 nil 时只做显式触发检测。
func NewExtractor(cfg ExtractorConfig, provider gateway.Provider, logger *zap.Logger) *Extractor {
	if cfg.MemoryWindow <= 0 {
		cfg.MemoryWindow = 5
	}
	return &Extractor{
		cfg:      cfg,
		provider: provider,
		logger:   logger.With(zap.String("component", "extractor")),
	}
}

// Detect 返回消息的记忆判定。
// 先查显式触发短语；未命中时请求推理模型并宽松解析 JSON 判定。
func (e *Extractor) Detect(ctx context.Context, message string, convo *gateway.ConversationContext, profile *Profile, recent []*MemoryEntry) *EnhancedDetection {
	if det := e.detectExplicit(message); det != nil {
		return det
	}
	if e.provider == nil {
		return negativeDetection("no inference provider configured")
	}
	return e.detectInferred(ctx, message, convo, profile, recent)
}

// detectExplicit 检测显式记忆指令。
func (e *Extractor) detectExplicit(message string) *EnhancedDetection {
	lower := strings.ToLower(message)
	for _, phrase := range triggerPhrases {
		idx := strings.Index(lower, phrase)
		if idx < 0 {
			continue
		}
		extracted := strings.TrimSpace(message[idx+len(phrase):])
		extracted = strings.TrimPrefix(extracted, ":")
		extracted = strings.TrimSpace(extracted)
		if extracted == "" {
			extracted = message
		}
		return &EnhancedDetection{
			ShouldRemember:    true,
			Category:          CategoryInstruction,
			Importance:        0.9,
			ExtractedInfo:     extracted,
			Keywords:          topKeywords(extracted, 8),
			Reasoning:         "explicit memory trigger: " + phrase,
			Confidence:        0.95,
			TemporalRelevance: "persistent",
		}
	}
	return nil
}

// detectInferred 通过推理模型判定。
func (e *Extractor) detectInferred(ctx context.Context, message string, convo *gateway.ConversationContext, profile *Profile, recent []*MemoryEntry) *EnhancedDetection {
	prompt := e.buildPrompt(message, convo, profile, recent)

	resp, err := e.provider.Completion(ctx, &gateway.ChatRequest{
		Model: e.cfg.Model,
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: verdictSystemPrompt},
			{Role: gateway.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		e.logger.Warn("memory verdict call failed", zap.Error(err))
		return negativeDetection("inference unavailable")
	}

	var det EnhancedDetection
	if err := jsonx.Decode(resp.Content, &det); err != nil {
		e.logger.Warn("memory verdict parse failed",
			zap.Error(err),
			zap.String("raw", truncate(resp.Content, 200)),
		)
		return negativeDetection("unparseable verdict")
	}

	// 保守夹取：类别非法时判为不记忆
	if det.ShouldRemember && !det.Category.Valid() {
		det.ShouldRemember = false
		det.Reasoning = "invalid category in verdict: " + string(det.Category)
	}
	det.Importance = clamp01(det.Importance)
	det.Confidence = clamp01(det.Confidence)
	if det.ShouldRemember && det.ExtractedInfo == "" {
		det.ExtractedInfo = message
	}
	if det.ShouldRemember && len(det.Keywords) == 0 {
		det.Keywords = topKeywords(det.ExtractedInfo, 8)
	}
	return &det
}

const verdictSystemPrompt = `You decide whether a wellness-coaching user message contains information worth remembering long-term. Respond with a single JSON object:
{"should_remember": bool, "category": "preference|personal_info|context|instruction", "importance": 0..1, "extracted_info": "...", "keywords": [...], "reasoning": "...", "confidence": 0..1, "atomic_facts": [...], "relationship_hints": [...], "contradiction_flag": bool, "temporal_relevance": "immediate|recent|persistent"}`

// buildPrompt 组装带上下文的判定提示。
func (e *Extractor) buildPrompt(message string, convo *gateway.ConversationContext, profile *Profile, recent []*MemoryEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User message: %q\n", message)
	if profile != nil {
		if profile.CoachingMode != "" {
			fmt.Fprintf(&sb, "Coaching mode: %s\n", profile.CoachingMode)
		}
		if len(profile.Goals) > 0 {
			fmt.Fprintf(&sb, "User goals: %s\n", strings.Join(profile.Goals, "; "))
		}
	}
	if convo != nil && len(convo.RecentTopics) > 0 {
		fmt.Fprintf(&sb, "Recent topics: %s\n", strings.Join(convo.RecentTopics, ", "))
	}
	if len(recent) > 0 {
		sb.WriteString("Existing memories (check for contradictions):\n")
		window := recent
		if len(window) > e.cfg.MemoryWindow {
			window = window[:e.cfg.MemoryWindow]
		}
		for _, m := range window {
			fmt.Fprintf(&sb, "- [%s] %s\n", m.Category, m.Content)
		}
	}
	return sb.String()
}

func negativeDetection(reason string) *EnhancedDetection {
	return &EnhancedDetection{
		ShouldRemember: false,
		Reasoning:      reason,
		Confidence:     0.0,
	}
}

// TopKeywords 朴素关键词抽取：去停用词后按出现顺序取前 n 个。
func TopKeywords(text string, n int) []string {
	return topKeywords(text, n)
}

func topKeywords(text string, n int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if len(word) < 3 || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		out = append(out, word)
		if len(out) >= n {
			break
		}
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "are": true, "was": true, "have": true, "has": true,
	"but": true, "not": true, "you": true, "your": true, "about": true,
	"when": true, "what": true, "how": true, "can": true, "will": true,
	"just": true, "like": true, "really": true, "very": true,
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
