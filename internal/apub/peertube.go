package apub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/smartlike-org/gateway/internal/relay"
)

// peertubeFollowTemplate is the pre-rendered Follow body the administrative
// follow starts from.
const peertubeFollowTemplate = "POST_%2Faccount%2Fpeertube%2Finbox_follow.json"

// Sender delivers a signed reply synchronously. Implemented by the responder.
type Sender interface {
	SignAndSend(ctx context.Context, reply relay.Reply) error
}

// FollowPeerTube sends a body-signed Follow to a remote PeerTube instance so
// the gateway starts receiving its activity.
func FollowPeerTube(ctx context.Context, remote string, templates map[string]string, sender Sender, instance string) error {
	tmpl, ok := templates[peertubeFollowTemplate]
	if !ok {
		return fmt.Errorf("failed to construct follow message: template missing")
	}

	var message map[string]interface{}
	if err := json.Unmarshal([]byte(tmpl), &message); err != nil {
		return fmt.Errorf("parse follow template: %w", err)
	}
	message["id"] = fmt.Sprintf("https://%s/accounts/peertube/follows/1", instance)
	message["object"] = fmt.Sprintf("https://%s/accounts/peertube", remote)

	return sender.SignAndSend(ctx, relay.Reply{
		Instance: remote,
		Path:     "/accounts/peertube/inbox",
		Message:  message,
		KeyID:    fmt.Sprintf("https://%s/accounts/peertube", instance),
		SignBody: true,
	})
}
