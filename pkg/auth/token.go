package auth

import (
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/jwt"
)

// Expired reports whether accessToken is a JWT whose exp claim has passed.
// Opaque tokens and tokens without exp are never considered expired here;
// the server gets the final say on those.
func Expired(accessToken string) bool {
	return expiredAt(accessToken, time.Now())
}

func expiredAt(accessToken string, now time.Time) bool {
	if strings.Count(accessToken, ".") != 2 {
		return false
	}
	token, err := jwt.ParseString(accessToken)
	if err != nil {
		return false
	}
	exp := token.Expiration()
	return !exp.IsZero() && !now.Before(exp)
}

// IsLoginLocation reports whether a redirect target is a login page, which
// is how the notes API answers requests without a valid session.
func IsLoginLocation(location string) bool {
	if location == "" {
		return false
	}
	u, err := url.Parse(location)
	if err != nil {
		return strings.Contains(strings.ToLower(location), "login")
	}
	return strings.Contains(strings.ToLower(u.Path), "login")
}
