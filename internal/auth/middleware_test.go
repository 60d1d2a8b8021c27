package auth

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func quietAudit() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestVerifier(t *testing.T, mode Mode) *Verifier {
	t.Helper()
	v, err := NewVerifier(mode, time.Minute,
		WithVerifierClock(func() time.Time { return fixedNow }),
		WithAuditLogger(quietAudit()))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

// echoCaller 返回上下文中的调用方地址与请求体。
func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFrom(r.Context())
		body, _ := io.ReadAll(r.Body)
		if !ok {
			w.Write([]byte("anonymous|" + string(body)))
			return
		}
		w.Write([]byte(caller.Hex() + "|" + string(body)))
	})
}

func signedRequest(t *testing.T, method, path string, body []byte, ts int64) (*http.Request, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	sig, err := Sign(key, method, path, ts, body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(HeaderAddress, addr.Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, sig)
	return req, addr
}

func TestSignatureModeAcceptsValidSignature(t *testing.T) {
	t.Parallel()

	body := []byte(`{"refund":"250"}`)
	req, addr := signedRequest(t, http.MethodPost, "/api/v1/agreements/0x01/end", body, fixedNow.Unix())
	rec := httptest.NewRecorder()
	newTestVerifier(t, ModeSignature).Middleware(echoCaller()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if got := rec.Body.String(); got != addr.Hex()+"|"+string(body) {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestSignatureModeRejects(t *testing.T) {
	t.Parallel()

	path := "/api/v1/rentals"
	body := []byte(`{"rent":"500"}`)

	tampered, _ := signedRequest(t, http.MethodPost, path, body, fixedNow.Unix())
	tampered.Body = io.NopCloser(bytes.NewReader([]byte(`{"rent":"1"}`)))

	stale, _ := signedRequest(t, http.MethodPost, path, body, fixedNow.Add(-2*time.Minute).Unix())

	impersonated, _ := signedRequest(t, http.MethodPost, path, body, fixedNow.Unix())
	impersonated.Header.Set(HeaderAddress, common.HexToAddress("0xa11c").Hex())

	unsigned := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	unsigned.Header.Set(HeaderAddress, common.HexToAddress("0xa11c").Hex())

	badAddress := httptest.NewRequest(http.MethodPost, path, nil)
	badAddress.Header.Set(HeaderAddress, "landlord")

	cases := map[string]*http.Request{
		"tampered body": tampered,
		"stale":         stale,
		"impersonated":  impersonated,
		"unsigned":      unsigned,
		"bad address":   badAddress,
	}
	v := newTestVerifier(t, ModeSignature)
	for name, req := range cases {
		rec := httptest.NewRecorder()
		v.Middleware(echoCaller()).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}

func cloneRequest(t *testing.T, req *http.Request, body []byte) *http.Request {
	t.Helper()
	again := httptest.NewRequest(req.Method, req.URL.Path, bytes.NewReader(body))
	again.Header = req.Header.Clone()
	return again
}

func TestSignatureModeRejectsReplayedWrites(t *testing.T) {
	t.Parallel()

	body := []byte(`{"refund":"250"}`)
	req, _ := signedRequest(t, http.MethodPost, "/api/v1/agreements/0x01/end", body, fixedNow.Unix())
	replayed := cloneRequest(t, req, body)

	// v 值从 27 改回 0 后签名依旧有效，但内容相同，仍属于重放。
	reencoded := cloneRequest(t, req, body)
	sig := req.Header.Get(HeaderSignature)
	tail := "00"
	if strings.HasSuffix(sig, "1c") {
		tail = "01"
	}
	reencoded.Header.Set(HeaderSignature, sig[:len(sig)-2]+tail)

	v := newTestVerifier(t, ModeSignature)
	h := v.Middleware(echoCaller())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: unexpected status %d", rec.Code)
	}
	for name, r := range map[string]*http.Request{"replayed": replayed, "re-encoded": reencoded} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}

func TestSignatureModeAllowsRepeatedReads(t *testing.T) {
	t.Parallel()

	req, _ := signedRequest(t, http.MethodGet, "/api/v1/owners/0x01/rentals", nil, fixedNow.Unix())
	again := cloneRequest(t, req, nil)

	h := newTestVerifier(t, ModeSignature).Middleware(echoCaller())
	for _, r := range []*http.Request{req, again} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status %d", rec.Code)
		}
	}
}

func TestAnonymousRequestPassesThrough(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agreements/0x01", nil)
	rec := httptest.NewRecorder()
	newTestVerifier(t, ModeSignature).Middleware(echoCaller()).ServeHTTP(rec, req)
	if rec.Body.String() != "anonymous|" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestDisabledModeTrustsHeader(t *testing.T) {
	t.Parallel()

	addr := common.HexToAddress("0x0b0b")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agreements/0x01/pay", nil)
	req.Header.Set(HeaderAddress, addr.Hex())
	rec := httptest.NewRecorder()
	newTestVerifier(t, ModeDisabled).Middleware(echoCaller()).ServeHTTP(rec, req)
	if rec.Body.String() != addr.Hex()+"|" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestRecoverRoundTrip(t *testing.T) {
	t.Parallel()

	key, _ := crypto.GenerateKey()
	sig, err := Sign(key, "post", "/x", 42, []byte("payload"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := Recover(sig, "POST", "/x", 42, []byte("payload"))
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("recovered %s", got.Hex())
	}
	if _, err := Recover("0x1234", "POST", "/x", 42, nil); err == nil {
		t.Fatal("short signature should fail")
	}
	if _, err := NewVerifier("token", 0); err == nil {
		t.Fatal("unknown mode should fail")
	}
}

func TestCallerContext(t *testing.T) {
	t.Parallel()

	ctx := WithCaller(t.Context(), common.Address{})
	if _, ok := CallerFrom(ctx); ok {
		t.Fatal("zero address must not be stored")
	}
	addr := common.HexToAddress("0x0b0b")
	if got, ok := CallerFrom(WithCaller(t.Context(), addr)); !ok || got != addr {
		t.Fatalf("unexpected caller %s %v", got.Hex(), ok)
	}
}
