package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crossport-exchange/crossport/internal/chains"
	"github.com/crossport-exchange/crossport/internal/config"
	"github.com/crossport-exchange/crossport/internal/intermediary"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	info := intermediary.NewInfoHandler(chains.NewRegistry())
	s := NewServer(config.APIConfig{ListenAddr: "127.0.0.1:0", PathPrefix: "/swap"}, &Handlers{Info: info})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func postJSON(t *testing.T, url string, body string) (*http.Response, *envelope) {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, &env
}

func TestServerInfoRoute(t *testing.T) {
	s := startTestServer(t)
	base := "http://" + s.Addr() + "/swap"

	resp, env := postJSON(t, base+"/info", `{"nonce":"deadbeef"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if env.Code != intermediary.CodeSuccess {
		t.Fatalf("code = %d, want %d", env.Code, intermediary.CodeSuccess)
	}

	data, ok := env.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data has type %T, want object", env.Data)
	}
	envelope, _ := data["envelope"].(string)
	if !strings.Contains(envelope, `"deadbeef"`) {
		t.Errorf("envelope does not echo nonce: %s", envelope)
	}
}

func TestServerBusinessErrorStays200(t *testing.T) {
	s := startTestServer(t)

	resp, env := postJSON(t, "http://"+s.Addr()+"/swap/info", `{"nonce":"not-hex!"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if env.Code != intermediary.CodeInvalidBody {
		t.Errorf("code = %d, want %d", env.Code, intermediary.CodeInvalidBody)
	}
}

func TestServerMalformedBody(t *testing.T) {
	s := startTestServer(t)

	resp, env := postJSON(t, "http://"+s.Addr()+"/swap/info", `{"nonce":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if env.Code != intermediary.CodeInvalidBody {
		t.Errorf("code = %d, want %d", env.Code, intermediary.CodeInvalidBody)
	}
}

func TestServerCORSPreflight(t *testing.T) {
	s := startTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, "http://"+s.Addr()+"/swap/info", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Origin", "https://app.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestJSONStream(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := newJSONStream(rec)

	if stream.wrote() {
		t.Fatal("fresh stream reports written")
	}
	if err := stream.WriteField("signDataPrefetch", map[string]string{"prefix": "claim_initialize"}); err != nil {
		t.Fatalf("WriteField() error = %v", err)
	}
	if !stream.wrote() {
		t.Fatal("stream does not report written")
	}
	if err := stream.WriteFinal(&envelope{Code: intermediary.CodeSuccess, Msg: "success"}); err != nil {
		t.Fatalf("WriteFinal() error = %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(bytes.NewReader(rec.Body.Bytes()))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	var field map[string]map[string]string
	if err := json.Unmarshal([]byte(lines[0]), &field); err != nil {
		t.Fatalf("first line: %v", err)
	}
	if field["signDataPrefetch"]["prefix"] != "claim_initialize" {
		t.Errorf("first line = %s", lines[0])
	}

	var final envelope
	if err := json.Unmarshal([]byte(lines[1]), &final); err != nil {
		t.Fatalf("second line: %v", err)
	}
	if final.Code != intermediary.CodeSuccess {
		t.Errorf("final code = %d", final.Code)
	}
}

func TestEventRelayBroadcast(t *testing.T) {
	hub := NewWSHub()
	relay := NewEventRelay(hub)

	relay.HandleEvent(t.Context(), &chains.Event{
		Type:        chains.EventClaim,
		ChainID:     "TEST",
		PaymentHash: "aa",
		SecretHex:   "secret",
		TxHash:      "tx1",
	})

	// The hub is not running; read the queued event off the channel.
	select {
	case ev := <-hub.broadcast:
		if ev.Type != EventSwapClaimed {
			t.Errorf("event type = %s, want %s", ev.Type, EventSwapClaimed)
		}
		payload, ok := ev.Data.(*swapEventPayload)
		if !ok {
			t.Fatalf("payload has type %T", ev.Data)
		}
		if payload.PaymentHash != "aa" || payload.TxHash != "tx1" {
			t.Errorf("payload = %+v", payload)
		}
		// The preimage must not leak to subscribers.
		raw, _ := json.Marshal(payload)
		if bytes.Contains(raw, []byte("secret")) {
			t.Error("broadcast leaks the swap secret")
		}
	default:
		t.Fatal("no event broadcast")
	}
}
