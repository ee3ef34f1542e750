package gateway_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ordering/internal/config"
	"ms-ordering/internal/gateway"
)

func mpesaClient() *gateway.Mpesa {
	return gateway.NewMpesa(config.MpesaConfig{
		ShortCode:   "174379",
		BaseURL:     "https://sandbox.safaricom.co.ke",
		CallbackURL: "https://orders.example/webhooks/mpesa",
	}, nil)
}

func TestMpesaNormalizeCallbackSuccess(t *testing.T) {
	body := `{
		"OrderID": "order-1",
		"ResultCode": 0,
		"ResultDesc": "The service request is processed successfully.",
		"Amount": 135.50,
		"MpesaReceiptNumber": "NLJ7RT61SV"
	}`
	req := httptest.NewRequest("POST", "/webhooks/mpesa", strings.NewReader(body))

	conf, err := mpesaClient().NormalizeCallback(req)
	require.NoError(t, err)

	assert.Equal(t, "order-1", conf.OrderID)
	assert.Equal(t, gateway.MpesaName, conf.Gateway)
	assert.True(t, conf.Succeeded)
	assert.Equal(t, "NLJ7RT61SV", conf.ExternalRef)
	// The amount survives the wire exactly, no float rounding.
	assert.True(t, conf.Amount.Equal(decimal.RequireFromString("135.50")),
		"amount was %s", conf.Amount)
	assert.NotEmpty(t, conf.RawPayload)
}

func TestMpesaNormalizeCallbackDeclined(t *testing.T) {
	body := `{
		"OrderID": "order-1",
		"ResultCode": 1032,
		"ResultDesc": "Request cancelled by user"
	}`
	req := httptest.NewRequest("POST", "/webhooks/mpesa", strings.NewReader(body))

	conf, err := mpesaClient().NormalizeCallback(req)
	require.NoError(t, err)
	assert.False(t, conf.Succeeded)
	assert.Equal(t, "order-1", conf.OrderID)
}

func TestMpesaNormalizeCallbackMalformed(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "not json at all"},
		{"missing order id", `{"ResultCode": 0, "Amount": 10}`},
		{"missing result code", `{"OrderID": "order-1", "Amount": 10}`},
		{"missing amount on success", `{"OrderID": "order-1", "ResultCode": 0}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/webhooks/mpesa", strings.NewReader(tc.body))
			_, err := mpesaClient().NormalizeCallback(req)
			assert.Error(t, err)
		})
	}
}

func TestRegistry(t *testing.T) {
	mpesa := mpesaClient()
	reg := gateway.NewRegistry(mpesa)

	got, err := reg.Get(gateway.MpesaName)
	require.NoError(t, err)
	assert.Equal(t, mpesa, got)

	_, err = reg.Get("paypal")
	assert.Error(t, err)
}
