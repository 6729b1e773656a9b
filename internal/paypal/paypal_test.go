package paypal

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartlike-org/gateway/internal/relay"
)

const oneTimeIPN = "mc_gross=100.00&invoice_number=213341354543524&protection_eligibility=Eligible&payer_id=XXXXXXXXX&payment_date=07%3A25%3A25+May+13%2C+2021+PDT&payment_status=Completed&charset=KOI8_R&first_name=XXXXXX&mc_fee=14.40&notify_version=3.9&payer_status=verified&business=xxxxxxx%40gmail.com&quantity=1&verify_sign=XXXXXXXX.XXXXXXX&payer_email=XXXXXXX%40example.com&txn_id=XXXXXXXXXX&payment_type=instant&payer_business_name=XXXXXXXX&last_name=XXXXXXXX&receiver_email=XXXXXXXX%40example.com&payment_fee=&shipping_discount=0.00&receiver_id=XXXXXXXXXXX&insurance_amount=0.00&txn_type=web_accept&transaction_subject=Donate+to+4855e1d3-ac4a-f6c4-8e03-f66001cef053+from+256bd4c260ee7d9554cf926a5120d0632b149f54a86ac65b660198b4c42c292d+EUR&discount=0.00&mc_currency=RUB&item_number=&residence_country=AT&shipping_method=Default&payment_gross=&ipn_track_id=XXXXXXXXX"

const recurringIPN = "mc_gross=2.00&period_type=+Regular&outstanding_balance=0.00&next_payment_date=03%3A00%3A00+May+13%2C+2022+PDT&protection_eligibility=Ineligible&payment_cycle=Monthly&tax=0.00&payer_id=QWRKD4DDU87H2&payment_date=03%3A21%3A05+Apr+13%2C+2022+PDT&payment_status=Completed&product_name=Donate+to+4855e1d3-ac4a-f6c4-8e03-f66001cef053+from+6451b474b8ed84b5ad2d6f834f454d9800341e0f04c9ae8e40b9911dffa38cbb+EUR&charset=UTF-8&recurring_payment_id=XXXXXXXXX&first_name=XXXXXXX&mc_fee=0.46&notify_version=3.9&amount_per_cycle=2.00&payer_status=verified&currency_code=EUR&business=donate%40smartlike.org&verify_sign=XXXXXXXXXXXXXXXXX&payer_email=XXXXXXXX%40example.com&initial_payment_amount=0.00&profile_status=Active&amount=2.00&txn_id=XXXXXX&payment_type=instant&payer_business_name=XXXXXXXs&last_name=XXXXXXX&receiver_email=donate%40smartlike.org&payment_fee=&receiver_id=XXXXXXX&txn_type=recurring_payment&mc_currency=EUR&residence_country=US&transaction_subject=Donate+to+4855e1d3-ac4a-f6c4-8e03-f66001cef053+from+256bd4c260ee7d9554cf926a5120d0632b149f54a86ac65b660198b4c42c292d+EUR&payment_gross=&shipping=0.00&product_type=1&time_created=07%3A45%3A05+Mar+13%2C+2022+PDT&ipn_track_id=XXXXXXXXX"

func mustParseQuery(t *testing.T, s string) url.Values {
	t.Helper()
	params, err := url.ParseQuery(s)
	require.NoError(t, err)
	return params
}

func TestParseOneTimeDonation(t *testing.T) {
	receipt, err := Parse(mustParseQuery(t, oneTimeIPN))
	require.NoError(t, err)

	assert.Equal(t, "4855e1d3-ac4a-f6c4-8e03-f66001cef053", receipt.Recipient)
	assert.Equal(t, "4855e1d3-ac4a-f6c4-8e03-f66001cef053", receipt.ChannelID)
	assert.Equal(t, "256bd4c260ee7d9554cf926a5120d0632b149f54a86ac65b660198b4c42c292d", receipt.Donor)
	assert.Equal(t, "", receipt.Alias)
	assert.Equal(t, "XXXXXXXXXX", receipt.ID)
	assert.Equal(t, "XXXXXXXX@example.com", receipt.Address)
	assert.Equal(t, "PayPal", receipt.Processor)
	assert.InDelta(t, 85.6, receipt.Amount, 1e-9)
	assert.Equal(t, "RUB", receipt.Currency)
	assert.Equal(t, "EUR", receipt.TargetCurrency)
}

func TestParseRecurringPayment(t *testing.T) {
	receipt, err := Parse(mustParseQuery(t, recurringIPN))
	require.NoError(t, err)

	assert.Equal(t, "4855e1d3-ac4a-f6c4-8e03-f66001cef053", receipt.Recipient)
	assert.Equal(t, "6451b474b8ed84b5ad2d6f834f454d9800341e0f04c9ae8e40b9911dffa38cbb", receipt.Donor,
		"product_name wins over transaction_subject")
	assert.InDelta(t, 1.54, receipt.Amount, 1e-9)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(url.Values)
	}{
		{"missing txn_id", func(v url.Values) { v.Del("txn_id") }},
		{"pending payment", func(v url.Values) { v.Set("payment_status", "Pending") }},
		{"echeck payment", func(v url.Values) { v.Set("payment_type", "echeck") }},
		{"wrong txn_type", func(v url.Values) { v.Set("txn_type", "cart") }},
		{"no smartlike field", func(v url.Values) {
			v.Del("transaction_subject")
			v.Del("product_name")
		}},
		{"short custom field", func(v url.Values) {
			v.Set("transaction_subject", "Donate to 4855e1d3-ac4a-f6c4-8e03-f66001cef053")
		}},
		{"bad recipient uuid", func(v url.Values) {
			v.Set("transaction_subject", "Donate to not-a-uuid from 256bd4c260ee7d9554cf926a5120d0632b149f54a86ac65b660198b4c42c292dxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx EUR")
		}},
		{"unparsable gross", func(v url.Values) { v.Set("mc_gross", "lots") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			params := mustParseQuery(t, oneTimeIPN)
			tc.mutate(params)
			_, err := Parse(params)
			assert.Error(t, err)
		})
	}
}

func TestVerify(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = string(body)
		w.Write([]byte("VERIFIED"))
	}))
	defer srv.Close()

	err := Verify(context.Background(), srv.Client(), srv.URL, "a=1&b=2")
	require.NoError(t, err)
	assert.Equal(t, "cmd=_notify-validate&a=1&b=2", received, "original message echoed back verbatim")
}

func TestVerifyRejectsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("INVALID"))
	}))
	defer srv.Close()

	err := Verify(context.Background(), srv.Client(), srv.URL, "a=1")
	assert.Error(t, err)
}

// Receipts key the durable queue by transaction id so the upstream can
// deduplicate.
func TestReceiptQueueKey(t *testing.T) {
	receipt, err := Parse(mustParseQuery(t, oneTimeIPN))
	require.NoError(t, err)
	env := relay.Envelope{Kind: relay.KindDonation, Donation: receipt}
	assert.Equal(t, receipt.ID, env.Key())
}
