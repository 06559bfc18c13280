// Package notifier tells operators about leadership changes and fencing
// conflicts through webhooks and slack.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"github.com/trusch/timelock/pkg/config"
	"github.com/trusch/timelock/pkg/leader"
	"github.com/trusch/timelock/pkg/queue"
	"go.uber.org/multierr"
)

type Kind string

const (
	KindLeadershipGained Kind = "leadership-gained"
	KindLeadershipLost   Kind = "leadership-lost"
	KindMultipleWriters  Kind = "multiple-writers"
)

// Notification is what gets queued and delivered.
type Notification struct {
	Kind     Kind      `json:"kind"`
	Node     string    `json:"node"`
	Leader   string    `json:"leader,omitempty"`
	Sequence int64     `json:"sequence"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NewNotifier checks every configured notification and starts a worker that
// delivers queued notifications until ctx is done.
func NewNotifier(ctx context.Context, node string, cfgs []config.NotificationConfig, q queue.Queue) (*DefaultNotifier, error) {
	n := &DefaultNotifier{
		node:  node,
		queue: q,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	for _, cfg := range cfgs {
		switch cfg.Type {
		case config.NotificationTypeWebhook:
			webhook, err := cfg.GetWebhookConfig()
			if err != nil {
				return nil, err
			}
			if webhook.URL == "" {
				return nil, errors.New("webhook notification needs a url")
			}
			n.webhooks = append(n.webhooks, webhook)
		case config.NotificationTypeSlack:
			slackCfg, err := cfg.GetSlackConfig()
			if err != nil {
				return nil, err
			}
			n.slacks = append(n.slacks, slackCfg)
		default:
			return nil, fmt.Errorf("unimplemented notification type %q", cfg.Type)
		}
	}
	if n.queue != nil && (len(n.webhooks) > 0 || len(n.slacks) > 0) {
		go func() {
			err := n.processQueue(ctx)
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("stopped reading notification tasks from queue")
			}
		}()
	}
	return n, nil
}

type DefaultNotifier struct {
	node       string
	queue      queue.Queue
	httpClient *http.Client
	webhooks   []config.WebhookConfig
	slacks     []config.SlackConfig
}

// Notify queues n, or delivers it right away if there is no queue.
func (n *DefaultNotifier) Notify(ctx context.Context, notification Notification) error {
	if len(n.webhooks) == 0 && len(n.slacks) == 0 {
		return nil
	}
	if notification.Node == "" {
		notification.Node = n.node
	}
	if notification.Time.IsZero() {
		notification.Time = time.Now()
	}
	if n.queue != nil {
		log.Debug().Str("kind", string(notification.Kind)).Msg("enqueuing notification")
		return n.queue.Enqueue(ctx, notification)
	}
	return n.send(ctx, notification)
}

// HandleLeadership is a leader.Service subscriber. It must not block the
// election, so delivery happens in the background.
func (n *DefaultNotifier) HandleLeadership(e leader.Event) {
	kind := KindLeadershipGained
	if e.Kind == leader.Lost {
		kind = KindLeadershipLost
	}
	n.notifyInBackground(Notification{Kind: kind, Leader: e.Leader, Sequence: e.Sequence})
}

// HandleConflict reports a second writer of the timestamp bound.
func (n *DefaultNotifier) HandleConflict(err error) {
	n.notifyInBackground(Notification{Kind: KindMultipleWriters, Message: err.Error()})
}

func (n *DefaultNotifier) notifyInBackground(notification Notification) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.Notify(ctx, notification); err != nil {
			log.Error().Err(err).Str("kind", string(notification.Kind)).Msg("failed to send notification")
		}
	}()
}

func (n *DefaultNotifier) send(ctx context.Context, notification Notification) (err error) {
	for _, cfg := range n.webhooks {
		err = multierr.Append(err, n.sendToWebhook(ctx, notification, cfg))
	}
	for _, cfg := range n.slacks {
		err = multierr.Append(err, n.sendToSlack(ctx, notification, cfg))
	}
	return err
}

func (n *DefaultNotifier) sendToWebhook(ctx context.Context, notification Notification, cfg config.WebhookConfig) error {
	log.Info().
		Str("kind", string(notification.Kind)).
		Str("method", cfg.Method).
		Str("url", cfg.URL).
		Msg("calling webhook")
	var body io.Reader = strings.NewReader(cfg.Body)
	if cfg.Body == "" {
		bs, err := json.Marshal(notification)
		if err != nil {
			return err
		}
		body = bytes.NewReader(bs)
	}
	r, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, body)
	if err != nil {
		return err
	}
	if cfg.Headers != nil {
		r.Header = cfg.Headers.Clone()
	}
	if cfg.Body == "" && r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", "application/json")
	}
	resp, err := n.httpClient.Do(r)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s answered %s", cfg.URL, resp.Status)
	}
	return nil
}

func (n *DefaultNotifier) sendToSlack(ctx context.Context, notification Notification, cfg config.SlackConfig) error {
	log.Info().
		Str("kind", string(notification.Kind)).
		Str("channel", cfg.Channel).
		Msg("sending slack message")

	attachment := slack.Attachment{
		Title: "LEADERSHIP",
		Color: "good",
		Text:  fmt.Sprintf("%s is now the timestamp leader", notification.Node),
		Fields: []slack.AttachmentField{
			{Title: "node", Value: notification.Node},
			{Title: "sequence", Value: strconv.FormatInt(notification.Sequence, 10)},
		},
	}
	switch notification.Kind {
	case KindLeadershipLost:
		attachment.Color = "warning"
		attachment.Text = fmt.Sprintf("%s stopped being the timestamp leader", notification.Node)
		if notification.Leader != "" {
			attachment.Fields = append(attachment.Fields, slack.AttachmentField{
				Title: "new leader",
				Value: notification.Leader,
			})
		}
	case KindMultipleWriters:
		attachment.Title = "ALERT"
		attachment.Color = "danger"
		attachment.Text = fmt.Sprintf("%s found another process writing the timestamp bound: %s",
			notification.Node, notification.Message)
	}
	for _, field := range cfg.MessageFields {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: field.Key,
			Value: field.Value,
		})
	}

	api := slack.New(cfg.Token)
	_, _, err := api.PostMessageContext(
		ctx,
		cfg.Channel,
		slack.MsgOptionAsUser(true),
		slack.MsgOptionAttachments(attachment),
	)
	return err
}

func (n *DefaultNotifier) processQueue(ctx context.Context) error {
	for {
		var notification Notification
		if err := n.queue.Dequeue(ctx, &notification); err != nil {
			return err
		}
		if err := n.send(ctx, notification); err != nil {
			log.Error().
				Err(err).
				Str("kind", string(notification.Kind)).
				Msg("failed to deliver notification")
		}
	}
}
