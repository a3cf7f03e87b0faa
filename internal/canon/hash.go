package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes. The version suffix allows changing the identity inputs
// without colliding with ids computed by older clients.
const (
	DomainSession = "clockin/session/v1"
	DomainJornada = "clockin/jornada/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data) as lowercase hex.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SessionDocID is the remote document id of a completed session. A session
// is identified by who entered where and when; exit data is excluded so a
// corrected exit overwrites the same document.
func SessionDocID(owner, site, entry string) (string, error) {
	data, err := Marshal(map[string]any{
		"owner": owner,
		"site":  site,
		"entry": entry,
	})
	if err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return hashWithDomain(DomainSession, data), nil
}

// JornadaDigest hashes the dates and session entries of a closed day. It is
// stored alongside the snapshot so a re-closure of identical content can be
// recognized.
func JornadaDigest(owner, fecha string, entries []string) (string, error) {
	data, err := Marshal(map[string]any{
		"owner":   owner,
		"fecha":   fecha,
		"entries": entries,
	})
	if err != nil {
		return "", fmt.Errorf("jornada digest: %w", err)
	}
	return hashWithDomain(DomainJornada, data), nil
}
