package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"ms-ordering/internal/config"
	"ms-ordering/internal/models"
)

const MpesaName = "mpesa"

// Mpesa drives the Daraja STK-push flow: Initiate prompts the buyer's
// phone, the gateway calls back with a result code and the paid amount.
type Mpesa struct {
	cfg    config.MpesaConfig
	client *http.Client
}

func NewMpesa(cfg config.MpesaConfig, client *http.Client) *Mpesa {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Mpesa{cfg: cfg, client: client}
}

func (m *Mpesa) Name() string { return MpesaName }

func (m *Mpesa) accessToken(ctx context.Context) (string, error) {
	url := m.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(m.cfg.ConsumerKey, m.cfg.ConsumerSecret)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mpesa oauth: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode mpesa oauth response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("mpesa oauth returned no access token")
	}
	return body.AccessToken, nil
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

func (m *Mpesa) Initiate(ctx context.Context, ord *models.Order, opts InitiateOptions) (*ProviderHandle, error) {
	if opts.PhoneNumber == "" {
		return nil, fmt.Errorf("mpesa requires a phone number")
	}

	token, err := m.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString(
		[]byte(m.cfg.ShortCode + m.cfg.Passkey + timestamp))

	push := stkPushRequest{
		BusinessShortCode: m.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            ord.TotalAmount.StringFixed(2),
		PartyA:            opts.PhoneNumber,
		PartyB:            m.cfg.ShortCode,
		PhoneNumber:       opts.PhoneNumber,
		CallBackURL:       m.cfg.CallbackURL,
		AccountReference:  "Order" + ord.ID,
		TransactionDesc:   "Ticket purchase",
	}

	payload, err := json.Marshal(push)
	if err != nil {
		return nil, err
	}

	url := m.cfg.BaseURL + "/mpesa/stkpush/v1/processrequest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mpesa stk push for order %s: %w", ord.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read stk push response: %w", err)
	}

	var body struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ResponseCode      string `json:"ResponseCode"`
		ResponseDesc      string `json:"ResponseDescription"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode stk push response: %w", err)
	}
	if body.ResponseCode != "0" {
		return nil, fmt.Errorf("mpesa rejected stk push for order %s: %s", ord.ID, body.ResponseDesc)
	}

	return &ProviderHandle{
		Gateway: MpesaName,
		Ref:     body.CheckoutRequestID,
		Raw:     raw,
	}, nil
}

// mpesaCallback is the callback body shape. Amount stays a json.Number so
// no float conversion can perturb the value before the exact-equality
// check in the reconciler.
type mpesaCallback struct {
	OrderID            string      `json:"OrderID"`
	ResultCode         json.Number `json:"ResultCode"`
	ResultDesc         string      `json:"ResultDesc"`
	Amount             json.Number `json:"Amount"`
	MpesaReceiptNumber string      `json:"MpesaReceiptNumber"`
}

func (m *Mpesa) NormalizeCallback(r *http.Request) (*Confirmation, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read mpesa callback: %w", err)
	}

	var cb mpesaCallback
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&cb); err != nil {
		return nil, fmt.Errorf("decode mpesa callback: %w", err)
	}
	if cb.OrderID == "" || cb.ResultCode == "" {
		return nil, fmt.Errorf("mpesa callback missing OrderID or ResultCode")
	}

	code, err := cb.ResultCode.Int64()
	if err != nil {
		return nil, fmt.Errorf("mpesa callback ResultCode %q: %w", cb.ResultCode, err)
	}
	if code != 0 {
		return &Confirmation{
			OrderID:     cb.OrderID,
			Gateway:     MpesaName,
			ExternalRef: cb.MpesaReceiptNumber,
			RawPayload:  raw,
			Succeeded:   false,
		}, nil
	}

	if cb.Amount == "" {
		return nil, fmt.Errorf("mpesa callback missing Amount")
	}
	amount, err := decimal.NewFromString(cb.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("mpesa callback Amount %q: %w", cb.Amount, err)
	}

	return &Confirmation{
		OrderID:     cb.OrderID,
		Gateway:     MpesaName,
		Amount:      amount,
		ExternalRef: cb.MpesaReceiptNumber,
		RawPayload:  raw,
		Succeeded:   true,
	}, nil
}
