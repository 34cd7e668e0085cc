package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

// PayloadVersion is written into every payload.
const PayloadVersion = "1.0"

// DefaultExpiration is the validity window stamped on payloads.
const DefaultExpiration = 5 * time.Minute

// Payload is an encrypted mission plus its envelope. It never contains the credential.
type Payload struct {
	Version    string `json:"version"`
	Encrypted  string `json:"encrypted"`  // base64(nonce‖ciphertext)
	Timestamp  int64  `json:"timestamp"`  // unix milliseconds
	Expiration int64  `json:"expiration"` // seconds
	Token      string `json:"token"`
	HCSCode    string `json:"hcsCode"` // hex SHA-256 of the credential
	HMAC       string `json:"hmac"`

	MissionID       string `json:"missionId,omitempty"`
	DeviceID        string `json:"deviceId,omitempty"`
	SealedWaypoints string `json:"sealedWaypoints,omitempty"`
	Signature       string `json:"signature,omitempty"`
}

// CreatedAt returns the payload timestamp.
func (p *Payload) CreatedAt() time.Time { return time.UnixMilli(p.Timestamp) }

// ExpiresAt returns the end of the validity window.
func (p *Payload) ExpiresAt() time.Time {
	return p.CreatedAt().Add(time.Duration(p.Expiration) * time.Second)
}

// MissionCipher encrypts missions under a credential.
type MissionCipher struct {
	now        func() time.Time
	expiration time.Duration
}

type CipherOption func(*MissionCipher)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) CipherOption {
	return func(c *MissionCipher) { c.now = now }
}

// WithExpiration sets the validity window stamped on new payloads.
func WithExpiration(d time.Duration) CipherOption {
	return func(c *MissionCipher) {
		if d > 0 {
			c.expiration = d
		}
	}
}

func NewMissionCipher(opts ...CipherOption) *MissionCipher {
	c := &MissionCipher{now: time.Now, expiration: DefaultExpiration}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Encrypt seals the mission body under a key derived from credential and the current time.
func (c *MissionCipher) Encrypt(m models.Mission, credential string) (*Payload, error) {
	if credential == "" {
		return nil, fmt.Errorf("crypto: empty credential: %w", utils.ErrInvalidInput)
	}
	plain, err := CanonicalJSON(m.Body())
	if err != nil {
		return nil, fmt.Errorf("crypto: canonicalize mission: %w", err)
	}
	defer Zero(plain)

	tokenBytes, err := RandomBytes(16)
	if err != nil {
		return nil, fmt.Errorf("crypto: token: %w", err)
	}
	p := &Payload{
		Version:    PayloadVersion,
		Timestamp:  c.now().UnixMilli(),
		Expiration: int64(c.expiration / time.Second),
		Token:      hex.EncodeToString(tokenBytes),
		HCSCode:    SHA256Hex([]byte(credential)),
		MissionID:  m.ID,
	}
	key, err := DeriveMissionKey(credential, p.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	defer Zero(key)

	blob, err := EncryptAESGCM(key, plain, p.aad())
	if err != nil {
		return nil, fmt.Errorf("crypto: seal: %w", err)
	}
	p.Encrypted = base64.StdEncoding.EncodeToString(blob)
	p.HMAC = envelopeMAC(credential, p)
	return p, nil
}

// Decrypt authenticates and opens p. Every failure is utils.ErrDecryptionFailed.
func (c *MissionCipher) Decrypt(p *Payload, credential string) (models.Mission, error) {
	fail := func() (models.Mission, error) {
		return models.Mission{}, fmt.Errorf("crypto: %w", utils.ErrDecryptionFailed)
	}
	if p == nil || credential == "" {
		return fail()
	}
	if !EqualHex(p.HCSCode, SHA256Hex([]byte(credential))) {
		return fail()
	}
	if !EqualHex(p.HMAC, envelopeMAC(credential, p)) {
		return fail()
	}
	blob, err := base64.StdEncoding.DecodeString(p.Encrypted)
	if err != nil {
		return fail()
	}
	key, err := DeriveMissionKey(credential, p.Timestamp)
	if err != nil {
		return fail()
	}
	defer Zero(key)
	plain, err := DecryptAESGCM(key, blob, p.aad())
	if err != nil {
		return fail()
	}
	defer Zero(plain)
	var body models.MissionBody
	if err := json.Unmarshal(plain, &body); err != nil {
		return fail()
	}
	m := body.Mission(p.MissionID)
	m.CreatedAt = p.CreatedAt().UTC()
	return m, nil
}

func (p *Payload) aad() []byte {
	return []byte(p.Token + "|" + p.MissionID)
}

func envelopeMAC(credential string, p *Payload) string {
	return HMACHex([]byte(credential), p.Encrypted+"|"+strconv.FormatInt(p.Timestamp, 10)+"|"+p.Token)
}

// CanonicalJSON marshals v and rewrites it in RFC 8785 canonical form.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
