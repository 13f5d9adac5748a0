package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("stage-shared-secret")

func genKeys(t *testing.T, n int) []*fernet.Key {
	t.Helper()
	keys := make([]*fernet.Key, n)
	for i := range keys {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			t.Fatalf("generate key: %v", err)
		}
		keys[i] = &k
	}
	return keys
}

// signResponse plays the credential service: it encrypts each account blob
// with the given key and signs the response for the given stage.
func signResponse(t *testing.T, stage, jobID string, accounts map[string][]byte, encryptKey *fernet.Key, secret []byte, expiresAt time.Time) string {
	t.Helper()

	encrypted := make(map[string]string, len(accounts))
	for account, blob := range accounts {
		tok, err := fernet.EncryptAndSign(blob, encryptKey)
		if err != nil {
			t.Fatalf("encrypt account %s: %v", account, err)
		}
		encrypted[account] = string(tok)
	}

	claims := jwt.MapClaims{
		"iss":         Audience,
		"aud":         stage,
		"id":          jobID,
		"credentials": encrypted,
		"iat":         time.Now().Unix(),
		"exp":         expiresAt.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign response: %v", err)
	}
	return token
}

func TestBroker_BuildRequestClaims(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	broker := New("upload", testSecret, genKeys(t, 1)).WithClock(func() time.Time { return now })

	token, err := broker.BuildRequest("42")
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}

	var claims struct {
		ID string `json:"id"`
		jwt.RegisteredClaims
	}
	_, err = jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return testSecret, nil },
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("request token did not verify: %v", err)
	}
	if claims.ID != "42" {
		t.Errorf("id = %q, want %q", claims.ID, "42")
	}
	if claims.Issuer != "upload" {
		t.Errorf("iss = %q, want %q", claims.Issuer, "upload")
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != Audience {
		t.Errorf("aud = %v, want [%s]", claims.Audience, Audience)
	}
	if claims.Subject != "credentials_request" {
		t.Errorf("sub = %q", claims.Subject)
	}
	if got := claims.ExpiresAt.Time.Sub(now); got != 5*time.Minute {
		t.Errorf("expiry window = %s, want 5m", got)
	}
}

func TestBroker_DecodeResponse_EveryKeyInSet(t *testing.T) {
	keys := genKeys(t, 3)
	broker := New("upload", testSecret, keys)
	accounts := map[string][]byte{
		"acct-prod": []byte(`{"access_key": "AKIA", "secret_key": "s3cr3t"}`),
		"acct-dev":  []byte(`{"access_key": "AKIB", "secret_key": "other"}`),
	}

	// Blobs encrypted with any key in the set must decrypt, covering the
	// old+new overlap during rotation.
	for i, key := range keys {
		token := signResponse(t, "upload", "42", accounts, key, testSecret, time.Now().Add(time.Minute))

		jobID, creds, err := broker.DecodeResponse(token)
		if err != nil {
			t.Fatalf("key %d: DecodeResponse failed: %v", i, err)
		}
		if jobID != "42" {
			t.Errorf("key %d: jobID = %q", i, jobID)
		}
		if len(creds) != 2 {
			t.Fatalf("key %d: %d accounts, want 2", i, len(creds))
		}
		if string(creds["acct-prod"]) != `{"access_key": "AKIA", "secret_key": "s3cr3t"}` {
			t.Errorf("key %d: acct-prod = %s", i, creds["acct-prod"])
		}
	}
}

func TestBroker_DecodeResponse_Rejections(t *testing.T) {
	keys := genKeys(t, 1)
	foreign := genKeys(t, 1)
	accounts := map[string][]byte{"acct": []byte(`{"k": "v"}`)}

	tests := []struct {
		name  string
		token string
	}{
		{
			"expired token",
			signResponse(t, "upload", "42", accounts, keys[0], testSecret, time.Now().Add(-time.Minute)),
		},
		{
			"audience mismatch",
			signResponse(t, "publish", "42", accounts, keys[0], testSecret, time.Now().Add(time.Minute)),
		},
		{
			"wrong signing secret",
			signResponse(t, "upload", "42", accounts, keys[0], []byte("other-secret"), time.Now().Add(time.Minute)),
		},
		{
			"blob encrypted with unknown key",
			signResponse(t, "upload", "42", accounts, foreign[0], testSecret, time.Now().Add(time.Minute)),
		},
		{
			"garbage token",
			"not.a.jwt",
		},
	}

	broker := New("upload", testSecret, keys)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := broker.DecodeResponse(tt.token)
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Fatalf("err = %v (%T), want *DecodeError", err, err)
			}
		})
	}
}

func TestLoadKeys(t *testing.T) {
	keys := genKeys(t, 2)
	dir := t.TempDir()

	path := filepath.Join(dir, "keys")
	content := keys[0].Encode() + "\n\n" + keys[1].Encode() + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadKeys(path)
	if err != nil {
		t.Fatalf("LoadKeys failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d keys, want 2", len(loaded))
	}
	// Order matters for rotation: file order is try order.
	if loaded[0].Encode() != keys[0].Encode() || loaded[1].Encode() != keys[1].Encode() {
		t.Error("keys loaded out of file order")
	}

	bad := filepath.Join(dir, "bad")
	if err := os.WriteFile(bad, []byte("not-a-key\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKeys(bad); err == nil {
		t.Error("bad key file accepted")
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKeys(empty); err == nil {
		t.Error("empty key file accepted")
	}
}
