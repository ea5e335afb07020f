// Package ids generates the prefixed identifiers used across the platform
// and provides the clock abstraction all persisted timestamps go through.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// Entity prefixes. A full ID is "<PREFIX>-<XXXXYYYY>" where XXXX comes from
// the seed name (padded with random A-Z0-9) and YYYY is 4 random hex chars.
const (
	PrefixTenant       = "TNT"
	PrefixClient       = "TC"
	PrefixVendor       = "TV"
	PrefixUser         = "USR"
	PrefixCompany      = "CMP"
	PrefixRelationship = "REL"
	PrefixInvite       = "INV"
	PrefixCase         = "CASE"
	PrefixChecklist    = "CHK"
	PrefixEvidence     = "EVD"
	PrefixMessage      = "MSG"
	PrefixActivity     = "ACT"
	PrefixNotification = "NTF"
	PrefixWebhook      = "WHK"
)

const seedAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewID builds a prefixed identifier. The seed is optional; when empty the
// whole suffix is random.
func NewID(prefix, seed string) string {
	return prefix + "-" + Suffix(seed)
}

// Suffix returns the 8-char code: up to 4 uppercase alphanumerics taken from
// the seed, padded from a CSPRNG, followed by 4 random hex chars.
func Suffix(seed string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(seed) {
		if b.Len() == 4 {
			break
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	pad := randomBytes(4 - b.Len() + 2)
	for i := 0; b.Len() < 4; i++ {
		b.WriteByte(seedAlphabet[int(pad[i])%len(seedAlphabet)])
	}
	b.WriteString(hex.EncodeToString(pad[len(pad)-2:]))
	return b.String()
}

// NewTenantIDs reserves the canonical tenant ID together with its paired
// client and vendor IDs. All three share the same suffix code.
func NewTenantIDs(name string) (tenantID, clientID, vendorID string) {
	s := Suffix(name)
	return PrefixTenant + "-" + s, PrefixClient + "-" + s, PrefixVendor + "-" + s
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// process cannot safely mint identifiers.
		panic("ids: crypto/rand unavailable: " + err.Error())
	}
	return b
}

// Clock supplies wall-clock time. Everything persisted goes through it so
// tests can pin timestamps. Implementations must return UTC.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the production clock.
func SystemClock() Clock { return systemClock{} }

// FixedClock is a test clock pinned to an instant and advanced manually.
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time { return c.T.UTC() }

// Advance moves the fixed clock forward by d.
func (c *FixedClock) Advance(d time.Duration) { c.T = c.T.Add(d) }
