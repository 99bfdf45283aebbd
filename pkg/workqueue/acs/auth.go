package acs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const signedHeaders = "x-ms-date;host;x-ms-content-sha256"

// ParseConnectionString splits "endpoint=https://x/;accesskey=..." into its
// parts.
func ParseConnectionString(s string) (endpoint, accessKey string, err error) {
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "endpoint":
			endpoint = strings.TrimSpace(v)
		case "accesskey":
			accessKey = strings.TrimSpace(v)
		}
	}
	if endpoint == "" || accessKey == "" {
		return "", "", errors.New("acs: connection string needs endpoint and accesskey")
	}
	return endpoint, accessKey, nil
}

type signer struct {
	key []byte
	now func() time.Time
}

func newSigner(accessKey string, now func() time.Time) (*signer, error) {
	key, err := base64.StdEncoding.DecodeString(accessKey)
	if err != nil {
		return nil, fmt.Errorf("acs: access key is not base64: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &signer{key: key, now: now}, nil
}

// headers returns the HMAC-SHA256 authentication headers for one request.
func (s *signer) headers(method, host, pathAndQuery string, body []byte) map[string]string {
	sum := sha256.Sum256(body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])
	date := s.now().UTC().Format(http.TimeFormat)
	toSign := method + "\n" + pathAndQuery + "\n" + date + ";" + host + ";" + contentHash
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(toSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return map[string]string{
		"x-ms-date":           date,
		"x-ms-content-sha256": contentHash,
		"Authorization":       "HMAC-SHA256 SignedHeaders=" + signedHeaders + "&Signature=" + signature,
	}
}
