package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
)

// SlackSender posts messages through the Slack Web API.
type SlackSender struct {
	api *slack.Client
}

// NewSlackSender creates a sender. apiURL overrides the API base and must
// end in "/"; empty uses slack.com.
func NewSlackSender(token, apiURL string, client *http.Client) *SlackSender {
	opts := []slack.Option{}
	if client != nil {
		opts = append(opts, slack.OptionHTTPClient(client))
	}
	if base := strings.TrimSpace(apiURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, slack.OptionAPIURL(base))
	}
	return &SlackSender{api: slack.New(token, opts...)}
}

// Post sends text to a channel name or id, or a user id for a DM.
func (s *SlackSender) Post(ctx context.Context, channel, text string) error {
	if _, _, err := s.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("slack post to %s: %w", channel, err)
	}
	return nil
}
