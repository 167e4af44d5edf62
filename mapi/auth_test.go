package mapi

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestChallengeResponse(t *testing.T) {
	params := ConnParams{
		Database: "demo",
		Username: "monetdb",
		Password: "monetdb",
		Language: LangSQL,
	}

	challenge := []byte("abcd:mserver:9:SHA256,RIPEMD160:BIG:SHA256")
	response, err := challengeResponse(params, challenge)
	if err != nil {
		t.Fatalf("challengeResponse failed: %v", err)
	}

	got := string(response)
	wantDigest := sha256Hex(sha256Hex("monetdb") + "abcd")
	want := "BIG:monetdb:{SHA256}" + wantDigest + ":sql:demo:"
	if got != want {
		t.Errorf("response = %q, want %q", got, want)
	}
	if len(wantDigest) != 64 {
		t.Errorf("digest length = %d, want 64", len(wantDigest))
	}
}

func TestChallengeResponsePrefersSHA512(t *testing.T) {
	params := ConnParams{Database: "db", Username: "u", Password: "p", Language: LangSQL}

	challenge := []byte("salt:merovingian:9:RIPEMD160,SHA256,SHA512:LIT:SHA512")
	response, err := challengeResponse(params, challenge)
	if err != nil {
		t.Fatalf("challengeResponse failed: %v", err)
	}

	if !strings.HasPrefix(string(response), "BIG:u:{SHA512}") {
		t.Errorf("response %q does not pick SHA512", response)
	}

	pre := sha512.Sum512([]byte("p"))
	salted := sha512.Sum512([]byte(hex.EncodeToString(pre[:]) + "salt"))
	want := "BIG:u:{SHA512}" + hex.EncodeToString(salted[:]) + ":sql:db:"
	if string(response) != want {
		t.Errorf("response = %q, want %q", response, want)
	}
}

func TestChallengeResponseFallsBackToRIPEMD160(t *testing.T) {
	params := ConnParams{Database: "db", Username: "u", Password: "p", Language: LangSQL}

	challenge := []byte("salt:mserver:9:RIPEMD160:BIG:SHA256")
	response, err := challengeResponse(params, challenge)
	if err != nil {
		t.Fatalf("challengeResponse failed: %v", err)
	}
	if !strings.HasPrefix(string(response), "BIG:u:{RIPEMD160}") {
		t.Errorf("response %q does not pick RIPEMD160", response)
	}
	// RIPEMD-160 digests are 20 bytes -> 40 hex chars.
	digest := strings.TrimPrefix(string(response), "BIG:u:{RIPEMD160}")
	digest = digest[:strings.Index(digest, ":")]
	if len(digest) != 40 {
		t.Errorf("digest length = %d, want 40", len(digest))
	}
}

func TestChallengeResponseErrors(t *testing.T) {
	params := ConnParams{Database: "db", Username: "u", Password: "p", Language: LangSQL}

	tests := []struct {
		name      string
		challenge string
	}{
		{"wrong protocol version", "salt:mserver:8:SHA512:BIG:SHA512"},
		{"unknown server identity", "salt:mystery:9:SHA512:BIG:SHA512"},
		{"unsupported pre-hash", "salt:mserver:9:SHA512:BIG:MD5"},
		{"no supported stored hash", "salt:mserver:9:MD5,SHA1:BIG:SHA512"},
		{"too few fields", "salt:mserver:9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := challengeResponse(params, []byte(tt.challenge))
			if err == nil {
				t.Fatal("expected error")
			}
			var me *Error
			if !errors.As(err, &me) || me.Kind != KindConnection {
				t.Errorf("expected connection error, got %v", err)
			}
		})
	}
}

func TestChallengeResponseToleratesExtraFields(t *testing.T) {
	params := ConnParams{Database: "db", Username: "u", Password: "p", Language: LangSQL}

	challenge := []byte("salt:mserver:9:SHA256:BIG:SHA256:extra:fields")
	if _, err := challengeResponse(params, challenge); err != nil {
		t.Errorf("extra challenge fields should be tolerated, got %v", err)
	}
}
