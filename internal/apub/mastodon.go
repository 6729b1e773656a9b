package apub

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/smartlike-org/gateway/internal/relay"
)

const activityStreams = "https://www.w3.org/ns/activitystreams"

// Dispatcher is the slice of the relay dispatcher the ingress handlers need.
type Dispatcher interface {
	Send(env relay.Envelope) error
	Respond(r relay.Reply)
}

// HandleMastodonFollow accepts a Mastodon-style Follow: it builds an Accept
// referencing the original Follow id and queues it for the responder. The
// reply is not persisted; the remote retries the Follow if it never sees it.
func HandleMastodonFollow(activity map[string]interface{}, d Dispatcher, instance string) error {
	ctx, _ := activity["@context"].(string)
	id, _ := activity["id"].(string)
	actor, _ := activity["actor"].(string)
	object := activity["object"]
	if ctx != activityStreams || id == "" || actor == "" || object == nil {
		return fmt.Errorf("%w: not a follow activity", relay.ErrPayloadMalformed)
	}

	remoteInstance, err := Domain(actor)
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrPayloadMalformed, err)
	}

	accept := map[string]interface{}{
		"@context": activityStreams,
		"type":     "Accept",
		"to":       []interface{}{actor},
		"actor":    fmt.Sprintf("https://%s/actor", instance),
		"object": map[string]interface{}{
			"type":   "Follow",
			"id":     id,
			"object": object,
			"actor":  actor,
		},
		"id": fmt.Sprintf("https://%s/activities/%s", instance, uuid.New().String()),
	}

	d.Respond(relay.Reply{
		Instance: remoteInstance,
		Path:     "/inbox",
		Message:  accept,
		KeyID:    fmt.Sprintf("https://%s/actor#main-key", instance),
		SignBody: false,
	})
	return nil
}

// HandleMastodonBoost persists and dispatches a Mastodon Announce received on
// the root inbox.
func HandleMastodonBoost(r *http.Request, activity map[string]interface{}, payload []byte, d Dispatcher) error {
	ctx, _ := activity["@context"].(string)
	actor, _ := activity["actor"].(string)
	if ctx != activityStreams || actor == "" || activity["object"] == nil {
		return fmt.Errorf("%w: not a boost activity", relay.ErrPayloadMalformed)
	}

	msg, err := BuildEnvelope(r, "/", payload)
	if err != nil {
		return err
	}
	return d.Send(relay.Envelope{Kind: relay.KindApub, Apub: msg})
}
