// Package credentials implements the signed-request/signed-response protocol
// a stage uses to obtain per-account cloud credentials for a job.
//
// Requests and responses are HS256 JWTs. Each account entry in a response is
// a fernet token; the broker tries every key in the configured key-set in
// order, so an old and a new key can overlap during rotation.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// Audience is the fixed audience of credential request tokens and the
	// issuer of response tokens.
	Audience = "credentials"

	subjectRequest = "credentials_request"
)

// RequestTTL keeps request tokens short-lived; the credential service
// rejects anything older, and a request older than this is no longer
// considered outstanding.
const RequestTTL = 5 * time.Minute

// DecodeError reports a response that failed verification or decryption.
// The consuming loop logs it and treats the job as "no credentials yet".
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("credential response rejected: %s", e.Reason)
	}
	return fmt.Sprintf("credential response rejected: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Broker builds credential requests and decodes credential responses for one
// stage. It holds the stage's shared JWT secret and the symmetric key-set;
// it does not track per-job state.
type Broker struct {
	stage  string
	secret []byte
	keys   []*fernet.Key
	clock  func() time.Time
}

// New creates a broker for the named stage. The secret signs outbound
// requests and verifies inbound responses; keys decrypt account blobs.
func New(stage string, secret []byte, keys []*fernet.Key) *Broker {
	return &Broker{
		stage:  stage,
		secret: secret,
		keys:   keys,
		clock:  time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (b *Broker) WithClock(clock func() time.Time) *Broker {
	b.clock = clock
	return b
}

// LoadKeys reads a newline-delimited key-set file. Keys are tried in file
// order during decryption; blank lines are ignored.
func LoadKeys(path string) ([]*fernet.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var keys []*fernet.Key
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, err := fernet.DecodeKey(line)
		if err != nil {
			return nil, fmt.Errorf("key file %s line %d: %w", path, i+1, err)
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("key file %s contains no keys", path)
	}
	return keys, nil
}

type requestClaims struct {
	ID string `json:"id"`
	jwt.RegisteredClaims
}

type responseClaims struct {
	ID          string            `json:"id"`
	Credentials map[string]string `json:"credentials"`
	jwt.RegisteredClaims
}

// BuildRequest returns a signed request token for the given job id.
func (b *Broker) BuildRequest(jobID string) (string, error) {
	now := b.clock().UTC()
	claims := requestClaims{
		ID: jobID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    b.stage,
			Audience:  jwt.ClaimStrings{Audience},
			Subject:   subjectRequest,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(RequestTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return "", fmt.Errorf("sign credential request: %w", err)
	}
	return token, nil
}

// DecodeResponse verifies a response token and decrypts every account blob.
// It returns the job id the response belongs to and the decrypted
// account -> credential mapping.
func (b *Broker) DecodeResponse(token string) (string, map[string]json.RawMessage, error) {
	var claims responseClaims
	_, err := jwt.ParseWithClaims(
		token,
		&claims,
		func(t *jwt.Token) (any, error) { return b.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Audience),
		jwt.WithAudience(b.stage),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(b.clock),
	)
	if err != nil {
		return "", nil, &DecodeError{Reason: "token verification failed", Err: err}
	}
	if claims.ID == "" {
		return "", nil, &DecodeError{Reason: "response has no job id"}
	}
	if len(claims.Credentials) == 0 {
		return "", nil, &DecodeError{Reason: fmt.Sprintf("response for job %s has no accounts", claims.ID)}
	}

	creds := make(map[string]json.RawMessage, len(claims.Credentials))
	for account, blob := range claims.Credentials {
		plain := fernet.VerifyAndDecrypt([]byte(blob), 0, b.keys)
		if plain == nil {
			return "", nil, &DecodeError{Reason: fmt.Sprintf("account %s: no key in the key-set decrypts the blob", account)}
		}
		if !json.Valid(plain) {
			return "", nil, &DecodeError{Reason: fmt.Sprintf("account %s: decrypted blob is not JSON", account)}
		}
		creds[account] = json.RawMessage(plain)
	}
	return claims.ID, creds, nil
}
