package pipeline

import (
	"math/rand/v2"
	"strings"

	"go.uber.org/zap"
)

// Credential values may be pasted as "<user>::<token>", optionally
// URL-encoded; only the token part is sent upstream.
var credentialSeparators = []string{"%3A%3A", "::"}

// NormalizeCredential strips a user prefix from a credential value.
func NormalizeCredential(v string) string {
	v = strings.TrimSpace(v)
	for _, sep := range credentialSeparators {
		if strings.Contains(v, sep) {
			return strings.TrimSpace(strings.Split(v, sep)[1])
		}
	}
	return v
}

// bearerCredentials parses an Authorization header carrying a
// comma-separated credential list.
func bearerCredentials(header string) []string {
	raw := strings.TrimSpace(header)
	if len(raw) >= 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = raw[7:]
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// resolveCredential picks the upstream credential for a call: the pool's
// current credential, else an entry from the caller's bearer list (random
// when pick is set, otherwise the first), else the first configured cookie.
func (p *Pipeline) resolveCredential(bearer string, pick bool) (value, source string, err error) {
	cred, ok, err := p.pool.PeekCurrent()
	if err != nil {
		p.logger.Warn("credential pool unavailable, trying fallbacks", zap.Error(err))
	}
	if ok {
		return NormalizeCredential(cred.Value), "pool", nil
	}
	if list := bearerCredentials(bearer); len(list) > 0 {
		i := 0
		if pick {
			i = rand.IntN(len(list))
		}
		return NormalizeCredential(list[i]), "bearer", nil
	}
	if len(p.fallback) > 0 {
		return NormalizeCredential(p.fallback[0]), "config", nil
	}
	return "", "", ErrNoCredential
}
