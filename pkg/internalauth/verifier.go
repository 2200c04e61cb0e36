package internalauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/plazahq/plaza/pkg/httputil"
)

const (
	// HeaderRequestID carries the caller-assigned request id
	HeaderRequestID = "X-Request-Id"
	// HeaderTimestamp carries integer epoch seconds at signing time
	HeaderTimestamp = "X-Plaza-Timestamp"
	// HeaderSignature carries the hex HMAC-SHA256 signature
	HeaderSignature = "X-Plaza-Signature"

	// ReplayWindow is the maximum clock skew tolerated in either direction
	ReplayWindow = 300 * time.Second
)

// BodyHash returns the lowercase hex SHA-256 of the request body bytes.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalString builds the newline-joined string that gets signed.
func CanonicalString(method, path, bodyHash, requestID, timestamp string) string {
	return strings.Join([]string{method, path, bodyHash, requestID, timestamp}, "\n")
}

// Sign computes the hex HMAC-SHA256 of the canonical string.
func Sign(secret, method, path string, body []byte, requestID string, ts int64) string {
	message := CanonicalString(method, path, BodyHash(body), requestID, strconv.FormatInt(ts, 10))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier validates signed internal requests.
type Verifier struct {
	secret string
	now    func() time.Time
}

// NewVerifier creates a verifier for the shared internal secret. An empty
// secret makes every verification fail with SERVER_ERROR; requests are never
// silently accepted because signing was left unconfigured.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks the request signature. On success the request body has been
// consumed and restored, and nil is returned. Failures are returned as
// *httputil.Error with the status the caller should answer with.
func (v *Verifier) Verify(r *http.Request) error {
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		return httputil.BadRequest(httputil.CodeMissingRequestID, "X-Request-Id header is required")
	}

	tsHeader := r.Header.Get(HeaderTimestamp)
	sigHeader := r.Header.Get(HeaderSignature)
	if tsHeader == "" || sigHeader == "" {
		return httputil.Unauthorized("missing signature headers")
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return httputil.Unauthorized("invalid signature timestamp")
	}

	age := v.now().Unix() - ts
	if age > int64(ReplayWindow.Seconds()) || -age > int64(ReplayWindow.Seconds()) {
		return httputil.Unauthorized("signature expired")
	}

	if v.secret == "" {
		return httputil.ServerError("internal signing secret is not configured")
	}

	body, err := readBody(r)
	if err != nil {
		return httputil.ServerError("failed to read request body")
	}

	expected := Sign(v.secret, r.Method, r.URL.Path, body, requestID, ts)
	if !hmac.Equal([]byte(expected), []byte(sigHeader)) {
		return httputil.Unauthorized("invalid signature")
	}

	return nil
}

// readBody consumes and restores the request body so the handler still sees it.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
