package auth

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "RentEscrow/internal/errors"
	loggerpkg "RentEscrow/pkg/logger"
)

// Mode 描述调用方身份的校验方式。
type Mode string

const (
	// ModeSignature 要求每个携带地址的请求附带 EIP-191 签名。
	ModeSignature Mode = "signature"
	// ModeDisabled 直接信任地址头，仅用于本地开发。
	ModeDisabled Mode = "disabled"
)

const (
	HeaderAddress   = "X-Caller-Address"
	HeaderTimestamp = "X-Caller-Timestamp"
	HeaderSignature = "X-Caller-Signature"
)

const maxSignedBody = 1 << 20

var (
	ErrInvalidAddress   = xerrors.New(xerrors.CodeUnauthenticated, "invalid caller address")
	ErrMissingSignature = xerrors.New(xerrors.CodeUnauthenticated, "missing caller signature")
	ErrStaleTimestamp   = xerrors.New(xerrors.CodeUnauthenticated, "caller timestamp outside allowed skew")
	ErrInvalidSignature = xerrors.New(xerrors.CodeUnauthenticated, "caller signature does not match address")
	ErrReplayedRequest  = xerrors.New(xerrors.CodeUnauthenticated, "signed request was already accepted")
)

// Verifier 是 HTTP 中间件，校验请求签名并把调用方地址写入上下文。
type Verifier struct {
	mode    Mode
	maxSkew time.Duration
	now     func() time.Time
	audit   *slog.Logger
	replay  ReplayCache
}

// VerifierOption 调整 Verifier。
type VerifierOption func(*Verifier)

// WithVerifierClock 替换时间来源。
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithAuditLogger 指定拒绝访问时写入的审计日志。
func WithAuditLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if l != nil {
			v.audit = l
		}
	}
}

// WithReplayCache 替换默认的进程内重放缓存，多实例部署时应共享同一个缓存。
func WithReplayCache(c ReplayCache) VerifierOption {
	return func(v *Verifier) {
		if c != nil {
			v.replay = c
		}
	}
}

// NewVerifier 创建中间件。
func NewVerifier(mode Mode, maxSkew time.Duration, opts ...VerifierOption) (*Verifier, error) {
	switch mode {
	case ModeSignature, ModeDisabled:
	case "":
		mode = ModeSignature
	default:
		return nil, fmt.Errorf("未知的鉴权模式: %s", mode)
	}
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	v := &Verifier{mode: mode, maxSkew: maxSkew, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	if v.replay == nil {
		v.replay = NewMemoryReplayCache(0, v.replayWindow())
	}
	return v, nil
}

// Middleware 返回一个 HTTP 中间件。未携带地址头的请求以匿名身份放行，
// 由下游操作自行拒绝需要身份的调用。
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(HeaderAddress)) == "" {
			next.ServeHTTP(w, r)
			return
		}
		caller, err := v.Authenticate(r)
		if err != nil {
			status := http.StatusUnauthorized
			http.Error(w, http.StatusText(status), status)
			v.auditLogger().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", status,
				"error", err.Error(),
			)
			return
		}

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r.WithContext(WithCaller(r.Context(), caller)))
		if r.Method != http.MethodGet {
			v.auditLogger().Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"caller", caller.Hex(),
			)
		}
	})
}

// Authenticate 返回请求声明并证明的调用方地址。请求体被读取后会恢复。
func (v *Verifier) Authenticate(r *http.Request) (common.Address, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderAddress))
	if !common.IsHexAddress(raw) {
		return common.Address{}, ErrInvalidAddress
	}
	claimed := common.HexToAddress(raw)
	if claimed == (common.Address{}) {
		return common.Address{}, ErrInvalidAddress
	}
	if v.mode == ModeDisabled {
		return claimed, nil
	}

	sigHex := strings.TrimSpace(r.Header.Get(HeaderSignature))
	tsRaw := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if sigHex == "" || tsRaw == "" {
		return common.Address{}, ErrMissingSignature
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return common.Address{}, ErrStaleTimestamp
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return common.Address{}, err
	}
	signer, err := Recover(sigHex, r.Method, r.URL.Path, ts, body)
	if err != nil {
		return common.Address{}, err
	}
	if signer != claimed {
		return common.Address{}, ErrInvalidSignature
	}
	if err := v.rememberRequest(r, signer, ts, body); err != nil {
		return common.Address{}, err
	}
	return claimed, nil
}

// replayWindow 覆盖一个时间戳被接受的完整区间 [ts-maxSkew, ts+maxSkew]。
func (v *Verifier) replayWindow() time.Duration { return 2 * v.maxSkew }

// rememberRequest 拒绝时间窗口内重复提交的写请求。键取签名者与签名内容的哈希，
// 对同一内容的不同签名编码同样生效。读请求可以重复。
func (v *Verifier) rememberRequest(r *http.Request, signer common.Address, ts int64, body []byte) error {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return nil
	}
	digest := crypto.Keccak256Hash(SigningPayload(r.Method, r.URL.Path, ts, body))
	fresh, err := v.replay.Remember(r.Context(), signer.Hex()+":"+digest.Hex(), v.replayWindow())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnauthenticated, err, "replay check failed")
	}
	if !fresh {
		return ErrReplayedRequest
	}
	return nil
}

func (v *Verifier) auditLogger() *slog.Logger {
	if v.audit != nil {
		return v.audit
	}
	return loggerpkg.Audit()
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
	r.Body.Close()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read request body")
	}
	if len(body) > maxSignedBody {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "request body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// SigningPayload 是调用方需要签名的文本：METHOD\nPATH\nTIMESTAMP\nkeccak256(body)。
func SigningPayload(method, path string, timestamp int64, body []byte) []byte {
	return []byte(fmt.Sprintf("%s\n%s\n%d\n%s", strings.ToUpper(method), path, timestamp, crypto.Keccak256Hash(body).Hex()))
}

// Sign 生成请求签名，供客户端与测试使用。
func Sign(key *ecdsa.PrivateKey, method, path string, timestamp int64, body []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(SigningPayload(method, path, timestamp, body)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Recover 从签名中恢复签名者地址。
func Recover(sigHex, method, path string, timestamp int64, body []byte) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(SigningPayload(method, path, timestamp, body)), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// auditWriter 包装 http.ResponseWriter，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
