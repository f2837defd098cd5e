package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testSeed = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEd25519SignerKeyForms(t *testing.T) {
	s, err := NewEd25519Signer("0x" + testSeed)
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}
	full := hex.EncodeToString(ed25519.NewKeyFromSeed(mustHex(t, testSeed)))
	s2, err := NewEd25519Signer(full)
	if err != nil {
		t.Fatalf("full key: %v", err)
	}
	if hex.EncodeToString(s.PublicKey()) != hex.EncodeToString(s2.PublicKey()) {
		t.Fatal("seed and full key must derive the same public key")
	}
	if _, err := NewEd25519Signer("abcd"); err == nil {
		t.Fatal("expected short key to be rejected")
	}
	if _, err := NewEd25519Signer("zz"); err == nil {
		t.Fatal("expected non-hex key to be rejected")
	}
}

func TestSubmitPayoutSignsMessage(t *testing.T) {
	signer, _ := NewEd25519Signer(testSeed)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payouts" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Errorf("missing api key header")
		}
		raw, _ := io.ReadAll(r.Body)
		var body signedPayout
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		msg, _ := json.Marshal(body.Message)
		sig, _ := hex.DecodeString(body.Signature)
		pub, _ := hex.DecodeString(body.PublicKey)
		if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
			t.Errorf("signature does not verify")
		}
		if body.Message.PayoutNano != "2000000000" || body.Message.Op != opFinalizeRound {
			t.Errorf("unexpected message: %+v", body.Message)
		}
		_, _ = w.Write([]byte(`{"txHash":"0xfeed"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "k", signer, time.Second)
	rec, err := c.SubmitPayout(context.Background(), PayoutRequest{LobbyID: "L1", RoundID: "R1", RoundHash: "h", WinnerWallet: "EQw", PayoutNano: 2_000_000_000})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.TxHash != "0xfeed" {
		t.Fatalf("tx hash = %q", rec.TxHash)
	}
}

func TestHTTPClientErrorClasses(t *testing.T) {
	status := http.StatusBadGateway
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`nope`))
	}))
	defer srv.Close()
	c := NewHTTPClient(srv.URL, "", nil, time.Second)

	if err := c.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for 502, got %v", err)
	}
	status = http.StatusBadRequest
	if _, err := c.LobbyState(context.Background(), "L1"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for 400, got %v", err)
	}
	if _, err := c.SubmitPayout(context.Background(), PayoutRequest{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable without signer, got %v", err)
	}
}

func TestLobbyStateDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/lobbies/L%201/state") && !strings.HasSuffix(r.URL.Path, "/lobbies/L 1/state") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"onChainBalanceTon":"2","seatsPaid":2,"seatsTotal":2}`))
	}))
	defer srv.Close()
	st, err := NewHTTPClient(srv.URL, "", nil, 0).LobbyState(context.Background(), "L 1")
	if err != nil {
		t.Fatalf("lobby state: %v", err)
	}
	if st.LobbyID != "L 1" || st.SeatsPaid != 2 || st.OnChainBalanceTON != "2" {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestOfflineClient(t *testing.T) {
	var c Client = Offline{}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
