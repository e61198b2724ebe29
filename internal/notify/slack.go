package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

// SlackSender 通过 Incoming Webhook 投递通知，channel.Target 为 webhook URL。
type SlackSender struct {
	client *http.Client
}

func NewSlackSender(client *http.Client) *SlackSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackSender{client: client}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields,omitempty"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func buildSlackPayload(msg Message) slackPayload {
	ev := msg.Event
	fields := []slackField{
		{Title: "Cluster", Value: firstNonEmpty(ev.ClusterName, ev.ClusterID), Short: true},
		{Title: "Severity", Value: ev.Severity, Short: true},
		{Title: "Action", Value: string(ev.Action), Short: true},
	}
	if ev.ResourceName != "" {
		fields = append(fields, slackField{Title: "Resource", Value: ev.ResourceName, Short: true})
	}
	return slackPayload{
		Text: msg.Text,
		Attachments: []slackAttachment{{
			Color:  severityColor(ev.Severity),
			Title:  ev.Title,
			Text:   ev.Message,
			Fields: fields,
			Ts:     ev.OccurredAt.Unix(),
		}},
	}
}

func (s *SlackSender) Send(ctx context.Context, ch storage.NotificationChannel, msg Message) error {
	body, err := json.Marshal(buildSlackPayload(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
