package suggest

import (
	"encoding/json"
	"fmt"
	"strings"
)

const chatHistoryWindow = 8

func buildChatPrompt(session *Session, userMessage string) string {
	recent := session.Messages
	if len(recent) > chatHistoryWindow {
		recent = recent[len(recent)-chatHistoryWindow:]
	}
	var history strings.Builder
	for _, msg := range recent {
		fmt.Fprintf(&history, "%s: %s\n", msg.Role, msg.Content)
	}
	recentText := strings.TrimRight(history.String(), "\n")
	if recentText == "" {
		recentText = "N/A"
	}

	return "你是科研文献分类助手。请根据用户要求更新分类草案。\n" +
		"你必须输出 JSON（只输出 JSON，不要 markdown，不要解释）。\n" +
		"格式：\n" +
		"{\n" +
		"  \"assistant_reply\": \"给用户的简短中文回复\",\n" +
		"  \"draft_categories\": {\"1\": \"类别名称\", \"2\": \"类别名称\"}\n" +
		"}\n\n" +
		"约束：\n" +
		"1. draft_categories 的 key 必须是正整数字符串（1,2,3...）。\n" +
		"2. value 必须是非空中文分类名。\n" +
		"3. 若用户要求合并分类，请给出合并后的完整草案。\n" +
		"4. 若用户要求重命名/新增/删除，也返回更新后的完整草案。\n" +
		"5. 尽量保持编号稳定；若必须重排，保持连续编号。\n\n" +
		"文献摘要（用于本轮分类讨论）：\n" + compactJSON(session.Suggestions["paper_summaries"]) + "\n\n" +
		"当前建议（suggested_categories）：\n" + compactJSON(session.Suggestions["suggested_categories"]) + "\n\n" +
		"当前草案（draft_categories）：\n" + compactJSON(session.DraftCategories) + "\n\n" +
		"历史对话（最近若干轮）：\n" + recentText + "\n\n" +
		"用户最新消息：" + userMessage + "\n"
}

// parseChatReply strips optional markdown fences and decodes the reply as a
// JSON object. Anything else is ErrBadModelReply.
func parseChatReply(raw string) (map[string]any, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadModelReply, err)
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrBadModelReply)
	}
	return obj, nil
}

func compactJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
