package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// ShareService issues short-lived share codes for scan reports. The code and
// its payload live only in Redis; once the TTL lapses the shared link dies.
type ShareService struct {
	db      *sql.DB
	redis   *redis.Client
	baseURL string
	ttl     time.Duration
}

func NewShareService(db *sql.DB, redisClient *redis.Client, baseURL string, ttl time.Duration) *ShareService {
	return &ShareService{
		db:      db,
		redis:   redisClient,
		baseURL: baseURL,
		ttl:     ttl,
	}
}

type SharePayload struct {
	ScanID    string `json:"scanId"`
	AccountID string `json:"accountId"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// CreateShare generates a share code for a scan the caller owns and returns
// the code, the share URL and a QR code PNG (base64).
func (s *ShareService) CreateShare(ctx context.Context, accountID, scanID string) (code, url, qrImage string, err error) {
	if s.redis == nil {
		return "", "", "", fmt.Errorf("sharing unavailable: no redis connection")
	}

	var owner string
	err = s.db.QueryRowContext(ctx, `
		SELECT account_id FROM scans WHERE id = $1`,
		scanID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", "", "", ErrScanNotFound
	}
	if err != nil {
		return "", "", "", err
	}
	if owner != accountID {
		return "", "", "", ErrPermissionDenied
	}

	payload := SharePayload{
		ScanID:    scanID,
		AccountID: accountID,
		Timestamp: time.Now().Unix(),
		Nonce:     s.generateNonce(),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", "", err
	}

	code = s.generateNonce()
	key := fmt.Sprintf("share:%s", code)
	if err := s.redis.Set(ctx, key, jsonData, s.ttl).Err(); err != nil {
		return "", "", "", err
	}

	url = fmt.Sprintf("%s/share/%s", s.baseURL, code)
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return "", "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", "", err
	}
	qrImage = base64.StdEncoding.EncodeToString(buf.Bytes())

	return code, url, qrImage, nil
}

// ResolveShare resolves a share code to its payload. Codes are single-TTL,
// not single-use: a recipient may open the link several times before expiry.
func (s *ShareService) ResolveShare(ctx context.Context, code string) (*SharePayload, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("sharing unavailable: no redis connection")
	}
	key := fmt.Sprintf("share:%s", code)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired share code")
	}
	if err != nil {
		return nil, err
	}

	var payload SharePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// RevokeShare deletes a share code before its TTL lapses.
func (s *ShareService) RevokeShare(ctx context.Context, accountID, code string) error {
	payload, err := s.ResolveShare(ctx, code)
	if err != nil {
		return err
	}
	if payload.AccountID != accountID {
		return ErrPermissionDenied
	}
	return s.redis.Del(ctx, fmt.Sprintf("share:%s", code)).Err()
}

func (s *ShareService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
