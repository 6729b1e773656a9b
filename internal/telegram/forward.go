// Package telegram turns forwarded channel posts into like envelopes. The
// bot's command handling and keyboards live outside the gateway; its sole
// contract is to hand fully-formed forwards to the dispatcher here.
package telegram

import (
	"fmt"

	"github.com/smartlike-org/gateway/internal/relay"
)

// Dispatcher is the slice of the relay dispatcher the bot needs.
type Dispatcher interface {
	Send(env relay.Envelope) error
}

// Forward describes a channel post a user forwarded to the bot.
type Forward struct {
	UserID    string  // forwarder identity
	Channel   string  // public channel username, without "@"
	MessageID int64   // post id within the channel
	Amount    float64 // optional micro-donation amount
	Currency  string
}

// Target returns the canonical t.me URL of the forwarded post.
func (f *Forward) Target() string {
	return fmt.Sprintf("https://t.me/%s/%d", f.Channel, f.MessageID)
}

// Like converts the forward into its envelope payload. The queue key is the
// content hash of this record, so the same user re-forwarding the same post
// collapses to a single pending entry.
func (f *Forward) Like() *relay.Like {
	return &relay.Like{
		Platform: "telegram",
		ID:       f.UserID,
		Target:   f.Target(),
		Amount:   f.Amount,
		Currency: f.Currency,
	}
}

// Dispatch persists and enqueues the forward for upstream delivery.
func Dispatch(d Dispatcher, f *Forward) error {
	if f.UserID == "" || f.Channel == "" || f.MessageID <= 0 {
		return fmt.Errorf("%w: incomplete forward", relay.ErrPayloadMalformed)
	}
	return d.Send(relay.Envelope{Kind: relay.KindLike, Like: f.Like()})
}
