// Package fingerprint derives the per-credential identity headers the
// upstream expects: the checksum, client key and session id.
package fingerprint

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	machineIDSalt    = "machineId"
	macMachineIDSalt = "macMachineId"
	obfuscationSeed  = 165
)

// HashHex returns the hex SHA-256 of input+salt.
func HashHex(input, salt string) string {
	sum := sha256.Sum256([]byte(input + salt))
	return hex.EncodeToString(sum[:])
}

// Checksum returns the fingerprint for value at the current time.
func Checksum(value string) string {
	return ChecksumAt(value, time.Now())
}

// ChecksumAt returns the fingerprint for value at time now. The result only
// changes once every 1e6 milliseconds.
func ChecksumAt(value string, now time.Time) string {
	value = strings.TrimSpace(value)
	ts := uint64(now.UnixMilli() / 1e6)
	buf := []byte{
		byte(ts >> 40),
		byte(ts >> 32),
		byte(ts >> 24),
		byte(ts >> 16),
		byte(ts >> 8),
		byte(ts),
	}
	Obfuscate(buf)
	return base64.StdEncoding.EncodeToString(buf) +
		HashHex(value, machineIDSalt) + "/" + HashHex(value, macMachineIDSalt)
}

// Obfuscate applies the XOR-feedback transform to b in place.
func Obfuscate(b []byte) {
	t := byte(obfuscationSeed)
	for i := range b {
		b[i] = (b[i] ^ t) + byte(i%256)
		t = b[i]
	}
}

// ClientKey is the x-client-key header value for a credential.
func ClientKey(value string) string {
	return HashHex(value, "")
}

// SessionID is the name-based (SHA-1, DNS namespace) UUID of a credential.
func SessionID(value string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(value)).String()
}
