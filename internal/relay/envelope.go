// Package relay implements the inbound-verify / durable-retry / outbound-sign
// pipeline: the dispatcher that persists and shards incoming envelopes, the
// verify/relay workers, and the outbound responder.
package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Kind discriminates the envelope variants in the durable queue.
type Kind string

const (
	KindApub     Kind = "apub"
	KindDonation Kind = "donation"
	KindLike     Kind = "like"
)

// Apub is a signed ActivityPub activity captured by the ingress. The signing
// string is reconstructed verbatim by the ingress, never re-parsed here.
type Apub struct {
	KeyID      string `json:"key_id"`
	Headers    string `json:"signed_headers"`
	Algorithm  string `json:"algorithm"`
	Digest     string `json:"digest"`
	Signature  string `json:"signature"`
	Payload    string `json:"payload"`
	ReceivedTS int64  `json:"received_ts"`
}

// DonationReceipt is a verified payment-processor notification.
type DonationReceipt struct {
	Donor          string  `json:"donor"`
	Recipient      string  `json:"recipient"`
	ChannelID      string  `json:"channel_id"`
	Alias          string  `json:"alias"`
	ID             string  `json:"id"`
	Address        string  `json:"address"`
	Processor      string  `json:"processor"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	TargetCurrency string  `json:"target_currency"`
	TS             uint32  `json:"ts"`
}

// Like is a pre-verified endorsement forwarded by a chat bot.
type Like struct {
	Platform string  `json:"platform"`
	ID       string  `json:"id"`
	Target   string  `json:"target"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Envelope is the universal unit travelling through the queue and workers.
// Exactly one variant field is set, matching Kind.
type Envelope struct {
	Kind     Kind             `json:"kind"`
	Apub     *Apub            `json:"apub,omitempty"`
	Donation *DonationReceipt `json:"donation,omitempty"`
	Like     *Like            `json:"like,omitempty"`
}

// Key returns the envelope's natural queue key.
//
// ActivityPub envelopes key by signing actor so one remote's traffic lands on
// one worker and its key cache. Donations key by the processor's transaction
// id, which the upstream deduplicates on. Likes key by content hash so
// re-forwarding the same target by the same user collapses to one record.
func (e *Envelope) Key() string {
	switch {
	case e.Kind == KindApub && e.Apub != nil:
		return e.Apub.KeyID
	case e.Kind == KindDonation && e.Donation != nil:
		return e.Donation.ID
	case e.Kind == KindLike && e.Like != nil:
		data, _ := json.Marshal(e.Like)
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
	return ""
}
