package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultBaseURL = "https://api.telegram.org"

type Telegram struct {
	BaseURL string
	Token   string
	ChatID  string
	HTTP    *http.Client
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		BaseURL: defaultBaseURL,
		Token:   token,
		ChatID:  chatID,
		HTTP:    &http.Client{Timeout: 35 * time.Second},
	}
}

func (t *Telegram) Enabled() bool {
	return t.Token != "" && t.ChatID != ""
}

func (t *Telegram) Send(ctx context.Context, msg string) error {
	return t.send(ctx, msg, "")
}

func (t *Telegram) SendMarkdown(ctx context.Context, msg string) error {
	return t.send(ctx, msg, "Markdown")
}

func (t *Telegram) send(ctx context.Context, msg, parseMode string) error {
	if !t.Enabled() {
		return fmt.Errorf("telegram not configured")
	}
	payload := map[string]any{"chat_id": t.ChatID, "text": msg, "disable_web_page_preview": true}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}
	b, _ := json.Marshal(payload)
	u := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := t.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	resp, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d: %s", res.StatusCode, string(resp))
	}
	return nil
}

// Update is one inbound message from getUpdates.
type Update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// GetUpdates long-polls for new messages starting at offset. The 25s poll
// timeout sits inside the client's 35s request timeout.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	if !t.Enabled() {
		return nil, fmt.Errorf("telegram not configured")
	}
	q := url.Values{}
	q.Set("timeout", "25")
	q.Set("offset", strconv.FormatInt(offset, 10))
	u := fmt.Sprintf("%s/bot%s/getUpdates?%s", t.BaseURL, t.Token, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := t.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram status %d: %s", res.StatusCode, string(b))
	}
	var out struct {
		OK     bool     `json:"ok"`
		Result []Update `json:"result"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram getUpdates not ok")
	}
	return out.Result, nil
}
