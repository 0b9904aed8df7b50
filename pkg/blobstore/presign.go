package blobstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PresignedPut returns a locally-verifiable signed token of the form
// "<key>.<contentType>.<expiresAt>.<signature>", with key and contentType
// base64url-encoded and expiresAt in Unix seconds. Real object storage
// would presign against a cloud credential (S3 SigV4, GCS V4); the core
// has no such credential, so this documents the contract without
// fabricating one (see DESIGN.md "presigned_put").
func (s *BoltStore) PresignedPut(ctx context.Context, key, contentType string, ttlSeconds int) (string, error) {
	return signPut(s.signingKey(), key, contentType, time.Now().Add(time.Duration(ttlSeconds)*time.Second))
}

// signingKey derives a stable per-store HMAC key from the database path,
// so tokens issued by one store instance aren't verifiable against another.
func (s *BoltStore) signingKey() []byte {
	return []byte(s.db.Path())
}

func signPut(signingKey []byte, key, contentType string, expiresAt time.Time) (string, error) {
	payload := fmt.Sprintf("%s\x00%s\x00%d", key, contentType, expiresAt.Unix())
	mac := hmac.New(sha256.New, signingKey)
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	token := strings.Join([]string{
		base64.RawURLEncoding.EncodeToString([]byte(key)),
		base64.RawURLEncoding.EncodeToString([]byte(contentType)),
		strconv.FormatInt(expiresAt.Unix(), 10),
		sig,
	}, ".")
	return token, nil
}

// VerifyPresignedPut checks a token returned by PresignedPut and returns
// the key/contentType it authorizes, or an error if expired or tampered.
func VerifyPresignedPut(signingKey []byte, token string) (key, contentType string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return "", "", fmt.Errorf("malformed presigned token")
	}

	keyBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", "", fmt.Errorf("malformed presigned token key: %w", err)
	}
	ctBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", "", fmt.Errorf("malformed presigned token content type: %w", err)
	}
	expUnix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", fmt.Errorf("malformed presigned token expiry: %w", err)
	}

	expected, err := signPut(signingKey, string(keyBytes), string(ctBytes), time.Unix(expUnix, 0))
	if err != nil {
		return "", "", err
	}
	if !hmac.Equal([]byte(expected), []byte(token)) {
		return "", "", fmt.Errorf("presigned token signature mismatch")
	}
	if time.Now().After(time.Unix(expUnix, 0)) {
		return "", "", fmt.Errorf("presigned token expired")
	}

	return string(keyBytes), string(ctBytes), nil
}
