// Package slack adapts slack-go to the two calls the router makes: post a message and update it.
package slack

import (
	"context"

	"github.com/slack-go/slack"

	"github.com/zoff-tech/go-deploybot/pkg/config"
	"github.com/zoff-tech/go-deploybot/pkg/router"
)

var _ router.Poster = (*Poster)(nil)

type Poster struct {
	client *slack.Client
}

func NewPoster(cfg config.SlackSettings) *Poster {
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Poster{client: slack.New(cfg.Token, opts...)}
}

func (p *Poster) PostMessage(ctx context.Context, channel string, msg router.Message) (string, error) {
	_, ts, err := p.client.PostMessageContext(ctx, channel, options(msg)...)
	return ts, err
}

func (p *Poster) UpdateMessage(ctx context.Context, channel, timestamp string, msg router.Message) error {
	_, _, _, err := p.client.UpdateMessageContext(ctx, channel, timestamp, options(msg)...)
	return err
}

func options(msg router.Message) []slack.MsgOption {
	attachments := make([]slack.Attachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		fields := make([]slack.AttachmentField, 0, len(a.Fields))
		for _, f := range a.Fields {
			fields = append(fields, slack.AttachmentField{Title: f.Title, Value: f.Value, Short: f.Short})
		}
		attachments = append(attachments, slack.Attachment{
			Color:     a.Color,
			Title:     a.Title,
			TitleLink: a.TitleLink,
			Text:      a.Text,
			Fields:    fields,
			Footer:    a.Footer,
		})
	}
	return []slack.MsgOption{
		slack.MsgOptionText(msg.Text, false),
		slack.MsgOptionAttachments(attachments...),
	}
}
