package tool

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Supported chat platforms.
const (
	PlatformFeishu   = "feishu"
	PlatformDingTalk = "dingtalk"
	PlatformWeCom    = "wecom"
)

// Message is a notification to deliver through a chat-bot webhook.
type Message struct {
	Platform   string
	WebhookURL string
	// Secret enables request signing on Feishu and DingTalk.
	Secret string
	// Type is "text" or "markdown".
	Type      string
	Title     string
	Content   string
	AtMobiles []string
	AtAll     bool
}

// Webhook delivers NOTIFICATION node messages to Feishu, DingTalk and WeCom
// group bots.
type Webhook struct {
	client *http.Client
	now    func() time.Time
}

func NewWebhook(client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Webhook{client: client, now: time.Now}
}

func (w *Webhook) Name() string {
	return "chat_webhook"
}

// Call decodes a NOTIFICATION node config and delivers it.
func (w *Webhook) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	msg := Message{
		Platform:   stringArg(input, "platform"),
		WebhookURL: stringArg(input, "webhookUrl"),
		Secret:     stringArg(input, "secret"),
		Type:       stringArg(input, "messageType"),
		Title:      stringArg(input, "title"),
		Content:    stringArg(input, "content"),
	}
	if b, ok := input["atAll"].(bool); ok {
		msg.AtAll = b
	}
	if list, ok := input["atMobiles"].([]interface{}); ok {
		for _, m := range list {
			if s, ok := m.(string); ok {
				msg.AtMobiles = append(msg.AtMobiles, s)
			}
		}
	}
	return w.Send(ctx, msg)
}

// Send posts msg and checks the platform's response code.
func (w *Webhook) Send(ctx context.Context, msg Message) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if msg.WebhookURL == "" {
		return nil, fmt.Errorf("webhookUrl is required")
	}
	if msg.Content == "" {
		return nil, fmt.Errorf("notification content is empty")
	}
	if msg.Type == "" {
		msg.Type = "text"
	}

	target := msg.WebhookURL
	var payload map[string]interface{}
	switch msg.Platform {
	case PlatformFeishu:
		payload = feishuPayload(msg)
		if msg.Secret != "" {
			ts := w.now().Unix()
			sign, err := feishuSign(ts, msg.Secret)
			if err != nil {
				return nil, err
			}
			payload["timestamp"] = strconv.FormatInt(ts, 10)
			payload["sign"] = sign
		}
	case PlatformDingTalk:
		payload = dingTalkPayload(msg)
		if msg.Secret != "" {
			signed, err := dingTalkSignedURL(target, w.now().UnixMilli(), msg.Secret)
			if err != nil {
				return nil, err
			}
			target = signed
		}
	case PlatformWeCom:
		payload = weComPayload(msg)
	default:
		return nil, fmt.Errorf("unsupported notification platform %q", msg.Platform)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.Platform, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", msg.Platform, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deliver %s notification: %w", msg.Platform, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", msg.Platform, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var body map[string]interface{}
	_ = json.Unmarshal(raw, &body)
	if code, text := platformStatus(body); code != 0 {
		return nil, fmt.Errorf("%s rejected notification: code %d: %s", msg.Platform, code, text)
	}
	return map[string]interface{}{
		"platform":   msg.Platform,
		"delivered":  true,
		"statusCode": resp.StatusCode,
		"response":   body,
	}, nil
}

// platformStatus extracts the error code all three platforms report in a
// 200 response.
func platformStatus(body map[string]interface{}) (int, string) {
	for _, key := range []string{"errcode", "code", "StatusCode"} {
		if v, ok := body[key].(float64); ok {
			msg, _ := body["errmsg"].(string)
			if msg == "" {
				msg, _ = body["msg"].(string)
			}
			return int(v), msg
		}
	}
	return 0, ""
}

func feishuPayload(msg Message) map[string]interface{} {
	if msg.Type == "markdown" {
		return map[string]interface{}{
			"msg_type": "interactive",
			"card": map[string]interface{}{
				"header": map[string]interface{}{
					"title": map[string]interface{}{"tag": "plain_text", "content": msg.Title},
				},
				"elements": []interface{}{
					map[string]interface{}{"tag": "markdown", "content": msg.Content},
				},
			},
		}
	}
	return map[string]interface{}{
		"msg_type": "text",
		"content":  map[string]interface{}{"text": msg.Content},
	}
}

func dingTalkPayload(msg Message) map[string]interface{} {
	at := map[string]interface{}{"isAtAll": msg.AtAll}
	if len(msg.AtMobiles) > 0 {
		at["atMobiles"] = msg.AtMobiles
	}
	if msg.Type == "markdown" {
		title := msg.Title
		if title == "" {
			title = "Notification"
		}
		return map[string]interface{}{
			"msgtype":  "markdown",
			"markdown": map[string]interface{}{"title": title, "text": msg.Content},
			"at":       at,
		}
	}
	return map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]interface{}{"content": msg.Content},
		"at":      at,
	}
}

func weComPayload(msg Message) map[string]interface{} {
	if msg.Type == "markdown" {
		return map[string]interface{}{
			"msgtype":  "markdown",
			"markdown": map[string]interface{}{"content": msg.Content},
		}
	}
	text := map[string]interface{}{"content": msg.Content}
	mentions := append([]string(nil), msg.AtMobiles...)
	if msg.AtAll {
		mentions = append(mentions, "@all")
	}
	if len(mentions) > 0 {
		text["mentioned_mobile_list"] = mentions
	}
	return map[string]interface{}{"msgtype": "text", "text": text}
}

// dingTalkSignedURL appends timestamp and sign query parameters. The sign
// is base64(HMAC-SHA256(secret, "<timestamp>\n<secret>")).
func dingTalkSignedURL(webhook string, timestampMs int64, secret string) (string, error) {
	u, err := url.Parse(webhook)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url: %w", err)
	}
	ts := strconv.FormatInt(timestampMs, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "\n" + secret))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	q := u.Query()
	q.Set("timestamp", ts)
	q.Set("sign", sign)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// feishuSign signs with "<timestamp>\n<secret>" as the HMAC key over an
// empty message.
func feishuSign(timestamp int64, secret string) (string, error) {
	key := strconv.FormatInt(timestamp, 10) + "\n" + secret
	mac := hmac.New(sha256.New, []byte(key))
	if _, err := mac.Write(nil); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
