// Package paypal verifies and parses PayPal Instant Payment Notifications
// into donation receipts.
package paypal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smartlike-org/gateway/internal/relay"
)

// IPNAddress is PayPal's verification endpoint. The handler echoes every
// notification back here and requires the literal response VERIFIED.
// Sandbox testing uses https://ipnpb.sandbox.paypal.com/cgi-bin/webscr.
const IPNAddress = "https://ipnpb.paypal.com/cgi-bin/webscr"

var requiredFields = []string{
	"receiver_email",
	"payer_status",
	"payment_status",
	"payment_type",
	"mc_gross",
	"mc_fee",
	"mc_currency",
	"txn_type",
	"txn_id",
}

// Verify re-posts the raw IPN message to PayPal and requires the textual
// response VERIFIED.
func Verify(ctx context.Context, client *http.Client, address, message string) error {
	body := "cmd=_notify-validate&" + message

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "PHP-IPN-VerificationScript")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send error: %w", err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if string(text) != "VERIFIED" {
		return fmt.Errorf("failed to verify: %s", text)
	}
	return nil
}

// Parse extracts a donation receipt from verified IPN parameters.
//
// The Smartlike custom field rides in whichever of product_name,
// transaction_subject or item_name exceeds 100 characters and matches
// "Donate to <uuid> from <64-hex> <CURRENCY>". The receipt amount is the
// gross amount net of PayPal's fee.
func Parse(params url.Values) (*relay.DonationReceipt, error) {
	for _, f := range requiredFields {
		if !params.Has(f) {
			return nil, fmt.Errorf("missing field: %s", f)
		}
	}
	if err := assertParameter(params, "payment_type", "instant"); err != nil {
		return nil, err
	}
	if err := assertParameter(params, "payment_status", "Completed"); err != nil {
		return nil, err
	}

	txnType := params.Get("txn_type")
	switch txnType {
	case "web_accept", "recurring_payment", "send_money":
	default:
		return nil, fmt.Errorf("wrong ipn parameter txn_type = %q", txnType)
	}

	var data string
	for _, f := range []string{"product_name", "transaction_subject", "item_name"} {
		if v := params.Get(f); len(v) > 100 {
			data = v
			break
		}
	}
	custom := strings.Split(data, " ")
	if len(custom) != 6 ||
		custom[0] != "Donate" ||
		custom[1] != "to" ||
		custom[3] != "from" ||
		len(custom[4]) < 64 {
		return nil, fmt.Errorf("not a Smartlike notification: %s", data)
	}
	if _, err := uuid.Parse(custom[2]); err != nil {
		return nil, fmt.Errorf("not a Smartlike notification: %s", data)
	}

	gross, err := strconv.ParseFloat(params.Get("mc_gross"), 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mc_gross parameter")
	}
	fee, err := strconv.ParseFloat(params.Get("mc_fee"), 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mc_fee parameter")
	}

	return &relay.DonationReceipt{
		Donor:          custom[4],
		Recipient:      custom[2],
		ChannelID:      custom[2], // reserved
		Alias:          "",        // reserved
		ID:             params.Get("txn_id"),
		Address:        params.Get("receiver_email"),
		Processor:      "PayPal",
		Amount:         gross - fee,
		Currency:       params.Get("mc_currency"),
		TargetCurrency: custom[5],
		TS:             uint32(time.Now().Unix()),
	}, nil
}

func assertParameter(params url.Values, name, expected string) error {
	if got := params.Get(name); got != expected {
		return fmt.Errorf("wrong ipn parameter %s=%s, expected %q", name, got, expected)
	}
	return nil
}
