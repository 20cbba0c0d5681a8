//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/marketplace-payments/internal/app"
	"github.com/dmehra2102/marketplace-payments/internal/config"
	"github.com/dmehra2102/marketplace-payments/internal/gateway"
	"github.com/dmehra2102/marketplace-payments/pkg/database"
)

func TestMobileMoneyPaymentLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	env, err := Setup(ctx)
	require.NoError(t, err)
	defer env.Teardown(context.Background())

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, database.Migrate(env.PGURL, log))
	createTopic(t, env.KAddr[0], "payment.events")

	sandbox := orangeSandbox(t)
	cfg := config.Config{
		ServiceName:     "payment-service-it",
		PGURL:           env.PGURL,
		RedisAddr:       env.RedisAddr,
		KafkaBrokers:    env.KAddr,
		PaymentTTL:      30 * time.Minute,
		SweepRetention:  24 * time.Hour,
		SweepBatch:      100,
		IdempotencyTTL:  time.Hour,
		GatewayTimeout:  5 * time.Second,
		PlatformFeeRate: decimal.RequireFromString("0.05"),
		OrangeFeeRate:   decimal.RequireFromString("0.01"),
		OutboxTopic:     "payment.events",
		WebhookMode:     config.WebhookSync,
		Orange:          gateway.OrangeMoneyConfig{BaseURL: sandbox.URL, ClientID: "id", ClientSecret: "secret", MerchantCode: "M42"},
	}
	a, err := app.New(ctx, cfg, log)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Pool.Exec(ctx, `INSERT INTO users (id, email, phone) VALUES ('usr-1','buyer@example.com','+2250701020304'), ('usr-2','seller@example.com',NULL)`)
	require.NoError(t, err)
	_, err = a.Pool.Exec(ctx, `INSERT INTO orders (id, buyer_id, seller_id, total_amount, currency) VALUES ('ord-1','usr-1','usr-2',60000,'XOF')`)
	require.NoError(t, err)

	srv := httptest.NewServer(a.Router())
	defer srv.Close()
	client := &http.Client{Timeout: 10 * time.Second}

	var initiated struct {
		PaymentReference      string `json:"paymentReference"`
		ProviderTransactionID string `json:"providerTransactionId"`
		Status                string `json:"status"`
	}
	resp := post(t, client, srv.URL+"/payments/orange_money", `{"orderId":"ord-1","phoneNumber":"+2250701020304"}`, &initiated)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "MP-IT-1", initiated.ProviderTransactionID)
	require.Equal(t, "processing", initiated.Status)

	webhook := `{"status":"SUCCESS","txnid":"MP-IT-1","reference":"` + initiated.PaymentReference + `"}`
	for i := 0; i < 2; i++ {
		resp = post(t, client, srv.URL+"/webhooks/orange_money", webhook, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	var view struct {
		Status   string            `json:"status"`
		Attempts []json.RawMessage `json:"attempts"`
	}
	getResp, err := client.Get(srv.URL + "/payments/" + initiated.PaymentReference)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&view))
	getResp.Body.Close()
	require.Equal(t, "completed", view.Status)
	require.Len(t, view.Attempts, 3)

	var orderStatus, paymentStatus string
	require.NoError(t, a.Pool.QueryRow(ctx, `SELECT status, payment_status FROM orders WHERE id='ord-1'`).Scan(&orderStatus, &paymentStatus))
	require.Equal(t, "confirmed", orderStatus)
	require.Equal(t, "paid", paymentStatus)

	sent, err := a.Relay().RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	reader := kafka.NewReader(kafka.ReaderConfig{Brokers: env.KAddr, Topic: "payment.events", GroupID: "it-check"})
	defer reader.Close()
	readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readCancel()
	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)
	require.Equal(t, initiated.PaymentReference, string(msg.Key))

	var evt map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &evt))
	require.Equal(t, "ord-1", evt["orderId"])
}

func post(t *testing.T, client *http.Client, url, body string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "usr-1")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func orangeSandbox(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/v3/token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"it-token","expires_in":3600}`))
	})
	mux.HandleFunc("POST /omcoreapis/1.0.2/mp/pay", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"ok","data":{"txnid":"MP-IT-1","status":"INITIATED","inittxnmessage":"Dial #144*82#"}}`))
	})
	mux.HandleFunc("GET /omcoreapis/1.0.2/mp/paymentstatus/{txnid}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"txnid":"MP-IT-1","status":"SUCCESS"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafka.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()
	controller, err := conn.Controller()
	require.NoError(t, err)
	cc, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()
	require.NoError(t, cc.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
}
