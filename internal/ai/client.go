package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

type Client struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

func New(apiKey, baseURL, model string, logger zerolog.Logger) *Client {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
		log:    logger.With().Str("component", "ai").Logger(),
	}
}

// Message is one turn of a multi-turn conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const systemPromptTemplate = `你是 RemindLine 的提醒助理，負責把用戶的自然語言轉換為結構化的提醒意圖。

當前時間: %s
用戶時區: %s

可用的 action:
- create_reminder: 建立提醒
- cancel_reminder: 取消提醒
- list_reminder: 列出提醒
- unknown: 無法識別或閒聊

parameters 可能包含：
- title: 提醒內容
- due_at: 第一次提醒時間 (格式: YYYY-MM-DD HH:MM，用戶時區)
- repeat: 重複方式，只能是 once, minutes, hours, daily, weekly, monthly, yearly
- interval: minutes/hours 時為間隔數；weekly 時為星期幾 (1=週一 ... 7=週日)；monthly 時為每月幾號
- end_at: 重複結束日期 (格式: YYYY-MM-DD 或 YYYY-MM-DD HH:MM)
- recipients: 要一起提醒的人，以逗號分隔的 @username
- id: 提醒編號 (cancel_reminder)
- keyword: 關鍵字 (cancel_reminder)
- scope: 取消全部提醒時為 all

重要規則：
1. 相對時間（如「明天」、「下週一」、「3 小時後」）請根據當前時間計算成具體的 YYYY-MM-DD HH:MM。
2. 「每 30 分鐘」→ repeat=minutes, interval=30；「每週三」→ repeat=weekly, interval=3；「每月 15 號」→ repeat=monthly, interval=15。
3. 資訊不足（例如沒有時間或內容）時設定 need_more_info = true，並在 follow_up_prompt 追問。
4. ai_message 是給用戶的簡短友善回覆。`

func systemPrompt(now time.Time, loc *time.Location) string {
	return fmt.Sprintf(systemPromptTemplate, now.In(loc).Format("2006-01-02 15:04 (Monday)"), loc.String())
}

// JSON Schema for structured output
var intentSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {
			"type": "string",
			"enum": ["create_reminder", "cancel_reminder", "list_reminder", "unknown"],
			"description": "The action to perform"
		},
		"parameters": {
			"type": "object",
			"additionalProperties": {
				"type": "string"
			},
			"description": "Parameters for the action"
		},
		"need_more_info": {
			"type": "boolean",
			"description": "Whether more information is needed from user to complete the action"
		},
		"follow_up_prompt": {
			"type": "string",
			"description": "The follow-up question to ask user when need_more_info is true"
		},
		"ai_message": {
			"type": "string",
			"description": "Friendly message to show user"
		}
	},
	"required": ["action", "need_more_info"],
	"additionalProperties": false
}`)

// ParseIntent classifies the latest user message, using the earlier turns in
// history as context. now and loc anchor relative times.
func (c *Client) ParseIntent(ctx context.Context, history []Message, now time.Time, loc *time.Location) (*Intent, error) {
	if loc == nil {
		loc = time.UTC
	}
	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt(now, loc),
		},
	}
	for _, msg := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "intent",
				Schema: intentSchema,
				Strict: true,
			},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "call AI API")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no response from AI")
	}

	content := resp.Choices[0].Message.Content
	intent := &Intent{RawResponse: content}
	if err := json.Unmarshal([]byte(content), intent); err != nil {
		return nil, errors.Wrap(err, "parse AI response")
	}

	c.log.Debug().Str("action", intent.Action).Interface("parameters", intent.Parameters).Msg("intent parsed")
	return intent, nil
}
