package middleware

import (
	"log/slog"
	"regexp"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/oauth2"
)

var bearerTokenPattern *regexp.Regexp = regexp.MustCompile(`^Bearer\s+(.*)$`)

// AttachAccessToken stores the access token for the upstream request under
// localName. A bearer token sent by the caller wins over the stored login.
// Without any token the request continues; the API decides what to do.
func AttachAccessToken(localName string, tokens oauth2.TokenSource) func(*fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		if match := bearerTokenPattern.FindStringSubmatch(c.Get(fiber.HeaderAuthorization)); match != nil {
			c.Locals(localName, match[1])
			return c.Next()
		}
		if tokens == nil {
			return c.Next()
		}

		token, err := tokens.Token()
		if err != nil {
			slog.Debug("no stored login for proxied request",
				"path", c.Path(),
				"err", err)
			return c.Next()
		}
		c.Locals(localName, token.AccessToken)
		return c.Next()
	}
}

// AccessToken returns the token stored by AttachAccessToken, if any.
func AccessToken(c *fiber.Ctx, localName string) string {
	token, _ := c.Locals(localName).(string)
	return token
}
