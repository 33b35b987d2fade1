// Package cards talks to the remote card service: it registers every
// generated key as a self-signed identity card and fetches the service's
// own Cloud key.
package cards

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/utils/timer/mockable"
	"go.uber.org/zap"

	"github.com/VirgilSecurity/trust-provisioner/pkg/keygen"
	"github.com/VirgilSecurity/trust-provisioner/pkg/keys"
)

const (
	registerPath = "/things/card/key"
	initPath     = "/things/init"
	cloudKeyPath = "/things/cloudkey"

	cardVersion = "5.0"
	selfSigner  = "self"
)

// StatusError is a non-success reply from the card service.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("card service %s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// KeyInfo is the key description attached to a card and covered by its
// self signature.
type KeyInfo struct {
	StartDate       uint32          `json:"start_date"`
	ExpirationDate  uint32          `json:"expiration_date"`
	Comment         string          `json:"comment"`
	ECType          uint8           `json:"ec_type"`
	MetaData        []byte          `json:"meta_data"`
	KeyType         uint8           `json:"key_type"`
	Signature       []byte          `json:"signature,omitempty"`
	SignerPublicKey []byte          `json:"signer_public_key,omitempty"`
	SignerHashType  *uint8          `json:"signer_hash_type,omitempty"`
	FactoryInfo     json.RawMessage `json:"factory_info,omitempty"`
}

// NewKeyInfo describes rec, including its upstream signature when signer
// is not nil.
func NewKeyInfo(rec *keys.Record, signer *keys.Record) KeyInfo {
	info := KeyInfo{
		StartDate:      rec.StartDate,
		ExpirationDate: rec.ExpirationDate,
		Comment:        rec.Comment,
		ECType:         rec.ECType.Wire(),
		MetaData:       rec.MetaData,
		KeyType:        rec.Type.Wire(),
	}
	if signer != nil && rec.IsSigned() {
		h := uint8(rec.SignerHashType)
		info.Signature = rec.Signature
		info.SignerPublicKey = signer.PublicKey
		info.SignerHashType = &h
	}
	return info
}

// Registrar registers key cards.
type Registrar interface {
	Register(ctx context.Context, key keygen.Key, info KeyInfo) error
}

// NopRegistrar accepts every card without contacting anything. It serves
// offline ceremonies.
type NopRegistrar struct{}

func (NopRegistrar) Register(context.Context, keygen.Key, KeyInfo) error { return nil }

// CloudKey is the service's key as returned by FetchCloudKey.
type CloudKey struct {
	PublicKey      []byte
	StartDate      uint32
	ExpirationDate uint32
}

// Config describes the card service endpoint.
type Config struct {
	APIURL   string
	AppToken string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	Clock      *mockable.Clock
	Logger     *zap.Logger
}

// HTTPClient is the Registrar backed by the card service HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	clock   *mockable.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	counters map[keys.KeyType]int
}

var _ Registrar = (*HTTPClient)(nil)

// NewHTTPClient returns a client for cfg.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("card service URL is empty")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("card service app token is empty")
	}
	c := &HTTPClient{
		baseURL:  strings.TrimRight(cfg.APIURL, "/"),
		token:    cfg.AppToken,
		client:   cfg.HTTPClient,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		counters: make(map[keys.KeyType]int),
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	if c.clock == nil {
		c.clock = &mockable.Clock{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("cards")
	return c, nil
}

// Register builds the signed card for key and posts it.
func (c *HTTPClient) Register(ctx context.Context, key keygen.Key, info KeyInfo) error {
	card, err := c.NewCard(ctx, key, info)
	if err != nil {
		return err
	}
	c.logger.Info("card request prepared",
		zap.Stringer("key_id", key.ID()),
		zap.ByteString("card", card),
	)

	body, err := c.do(ctx, http.MethodPost, registerPath, card)
	if err != nil {
		return fmt.Errorf("failed to register card for %s %s: %w", key.Type().DisplayName(), key.ID(), err)
	}
	c.logger.Info("card registered", zap.Stringer("key_id", key.ID()), zap.ByteString("response", body))
	return nil
}

type contentSnapshot struct {
	Identity  string `json:"identity"`
	PublicKey []byte `json:"public_key"`
	Version   string `json:"version"`
	CreatedAt int64  `json:"created_at"`
}

type rawSignature struct {
	Signer    string `json:"signer"`
	Signature []byte `json:"signature"`
	Snapshot  []byte `json:"snapshot,omitempty"`
}

type rawSignedModel struct {
	ContentSnapshot []byte         `json:"content_snapshot"`
	Signatures      []rawSignature `json:"signatures"`
}

// NewCard returns the JSON body of a card request for key. The self
// signature covers the content snapshot followed by the key info JSON.
func (c *HTTPClient) NewCard(ctx context.Context, key keygen.Key, info KeyInfo) ([]byte, error) {
	spki, err := MarshalPublicKey(key.ECType(), key.PublicKey())
	if err != nil {
		return nil, err
	}
	content, err := json.Marshal(contentSnapshot{
		Identity:  c.identity(key.Type()),
		PublicKey: spki,
		Version:   cardVersion,
		CreatedAt: c.clock.Time().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode card content: %w", err)
	}
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key info: %w", err)
	}

	signed := make([]byte, 0, len(content)+len(infoJSON))
	signed = append(signed, content...)
	signed = append(signed, infoJSON...)
	sig, err := key.Sign(ctx, signed, true)
	if err != nil {
		return nil, fmt.Errorf("failed to self-sign card: %w", err)
	}

	return json.Marshal(rawSignedModel{
		ContentSnapshot: content,
		Signatures: []rawSignature{{
			Signer:    selfSigner,
			Signature: sig,
			Snapshot:  infoJSON,
		}},
	})
}

// identity names the card. Upper-level keys come in pairs and alternate
// between <type>_1 and <type>_2.
func (c *HTTPClient) identity(kt keys.KeyType) string {
	if !kt.IsUpperLevel() {
		return kt.String()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 1
	if c.counters[kt] == 1 {
		n = 2
	}
	c.counters[kt] = n
	return fmt.Sprintf("%s_%d", kt, n)
}

// InitCloudKey asks the service to create its Cloud key. A 400 reply means
// it already exists.
func (c *HTTPClient) InitCloudKey(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, initPath, nil)
	var serr *StatusError
	if errors.As(err, &serr) && serr.StatusCode == http.StatusBadRequest {
		c.logger.Info("cloud key already initialized", zap.String("body", serr.Body))
		return nil
	}
	return err
}

type cloudKeyReply struct {
	Key       string `json:"key"`
	StartDate uint32 `json:"start_date"`
	EndDate   uint32 `json:"end_date"`
}

// FetchCloudKey downloads the service's Cloud key. The key field carries
// an encoded public key whose last 65 bytes are the raw P-256 point.
func (c *HTTPClient) FetchCloudKey(ctx context.Context) (*CloudKey, error) {
	body, err := c.do(ctx, http.MethodGet, cloudKeyPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cloud key: %w", err)
	}
	var reply cloudKeyReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode cloud key reply: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(reply.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cloud key: %w", err)
	}
	size := keys.SECP256R1.PublicKeySize()
	if len(raw) < size {
		return nil, fmt.Errorf("cloud key is %d bytes, want at least %d", len(raw), size)
	}
	return &CloudKey{
		PublicKey:      raw[len(raw)-size:],
		StartDate:      reply.StartDate,
		ExpirationDate: reply.EndDate,
	}, nil
}

// URL returns the service base URL, used as the Cloud key meta data.
func (c *HTTPClient) URL() string {
	return c.baseURL
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	url := c.baseURL + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("AppToken", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("card service call",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
