package mapi

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/ripemd160"
)

// The challenge is six colon-separated fields:
// salt : identity : protocol : hash_list : endianness : pre_hash_algo
// The endianness field is ignored; protocol v9 headers are little-endian
// by contract.
const (
	challengeFieldSalt = iota
	challengeFieldIdentity
	challengeFieldProtocol
	challengeFieldHashes
	challengeFieldEndianness
	challengeFieldAlgo
	challengeFieldCount
)

// preHash returns the hash constructor for the pre-hash algorithm the
// server named in challenge field 6.
func preHash(algo string) (func() hash.Hash, error) {
	switch algo {
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, connectionError("server requested unsupported password hash algorithm %s", algo)
	}
}

// storedHash picks the strongest supported algorithm from the server's
// comma-separated list. The returned name goes into the response in its
// bracketed form, e.g. {SHA512}.
func storedHash(hashList string) (name string, h func() hash.Hash, err error) {
	offered := make(map[string]bool)
	for _, a := range strings.Split(hashList, ",") {
		offered[strings.TrimSpace(a)] = true
	}

	switch {
	case offered["SHA512"]:
		return "SHA512", sha512.New, nil
	case offered["SHA256"]:
		return "SHA256", sha256.New, nil
	case offered["RIPEMD160"]:
		return "RIPEMD160", ripemd160.New, nil
	default:
		return "", nil, connectionError("no supported hash algorithm in %q", hashList)
	}
}

// hexDigest hashes data and returns the lowercase hex encoding.
func hexDigest(newHash func() hash.Hash, data string) string {
	h := newHash()
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// challengeResponse parses the server challenge and builds the login
// response: BIG:<user>:{<HASH>}<salted_pw>:<language>:<database>: where
// salted_pw = hex(H(hex(PH(password)) || salt)) for the chosen stored-hash
// H and the server-named pre-hash PH.
func challengeResponse(params ConnParams, challenge []byte) ([]byte, error) {
	fields := strings.Split(string(challenge), ":")
	if len(fields) < challengeFieldCount {
		return nil, connectionError("malformed challenge: %q", challenge)
	}

	salt := fields[challengeFieldSalt]
	identity := fields[challengeFieldIdentity]
	protocol := fields[challengeFieldProtocol]
	hashList := fields[challengeFieldHashes]
	algo := fields[challengeFieldAlgo]

	if protocol != "9" {
		return nil, connectionError("unsupported protocol version: %s", protocol)
	}
	if identity != "mserver" && identity != "merovingian" {
		return nil, connectionError("unknown server type: %s", identity)
	}

	pre, err := preHash(algo)
	if err != nil {
		return nil, err
	}
	name, stored, err := storedHash(hashList)
	if err != nil {
		return nil, err
	}

	hashedPW := hexDigest(pre, params.Password)
	saltedPW := hexDigest(stored, hashedPW+salt)

	response := fmt.Sprintf("BIG:%s:{%s}%s:%s:%s:",
		params.Username, name, saltedPW, params.Language, params.Database)
	return []byte(response), nil
}
