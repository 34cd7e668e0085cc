package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

// HKDF labels. Changing any of these invalidates every existing payload.
const (
	missionSalt    = "hcs-mission-salt-v1"
	missionInfo    = "hcs-mission-key"
	singleUseInfo  = "hcs-single-use-key"
	destructionTag = "hcs-destruction-key"
)

// DeriveKey expands ikm into n bytes with HKDF-SHA256.
func DeriveKey(ikm, salt []byte, info string, n int) ([]byte, error) {
	h := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeriveMissionKey derives the 256-bit payload key from credential‖timestamp.
func DeriveMissionKey(credential string, timestampMs int64) ([]byte, error) {
	ikm := append([]byte(credential), strconv.FormatInt(timestampMs, 10)...)
	defer Zero(ikm)
	return DeriveKey(ikm, []byte(missionSalt), missionInfo, 32)
}

// DeriveSingleUseKey derives the key bound to one distribution of one mission.
func DeriveSingleUseKey(deviceID, missionID string, timestampMs int64, salt []byte) ([]byte, error) {
	ikm := []byte(deviceID + "|" + missionID + "|" + strconv.FormatInt(timestampMs, 10))
	return DeriveKey(ikm, salt, singleUseInfo, 32)
}

// DestructionKey returns hex HMAC-SHA256(secret, token).
func DestructionKey(secret []byte, token string) string {
	return HMACHex(secret, destructionTag+"|"+token)
}

// HMACHex returns hex HMAC-SHA256(key, msg).
func HMACHex(key []byte, msg string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// SHA256Hex returns the hex SHA-256 of s.
func SHA256Hex(s []byte) string {
	sum := sha256.Sum256(s)
	return hex.EncodeToString(sum[:])
}

// EqualHex compares two hex strings in constant time.
func EqualHex(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
