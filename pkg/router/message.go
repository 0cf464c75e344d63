package router

import "context"

// Attachment colors.
const (
	ColorNeutral = "#439FE0"
	ColorSuccess = "good"
	ColorDanger  = "danger"
)

// Message is a rendered Slack message body.
type Message struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	Color     string  `json:"color,omitempty"`
	Title     string  `json:"title,omitempty"`
	TitleLink string  `json:"title_link,omitempty"`
	Text      string  `json:"text,omitempty"`
	Fields    []Field `json:"fields,omitempty"`
	Footer    string  `json:"footer,omitempty"`
}

type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Poster is the Slack contract the router needs. PostMessage returns the opaque
// timestamp handle that UpdateMessage later addresses the message by.
type Poster interface {
	PostMessage(ctx context.Context, channel string, msg Message) (string, error)
	UpdateMessage(ctx context.Context, channel, timestamp string, msg Message) error
}

// Links are the base URLs used to build title links. Empty values disable the link.
type Links struct {
	GoCD    string
	Freight string
	GitHub  string
}
