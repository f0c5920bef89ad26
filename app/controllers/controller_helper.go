package controllers

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/KogFlow/internal/pkg/apperr"
	"github.com/ManuelReschke/KogFlow/internal/pkg/ledger"
	"github.com/ManuelReschke/KogFlow/internal/pkg/security"
	"github.com/ManuelReschke/KogFlow/internal/pkg/usercontext"
)

// GuestCookieName carries the signed guest credit token.
const GuestCookieName = "guest_credits"

// TokenDecoder reads the expiry of a guest token for its cookie.
type TokenDecoder interface {
	Decode(token string) (security.GuestCredits, error)
}

// GuestCookies writes the guest credit cookie: httpOnly, SameSite=Lax,
// Secure outside development, expiring at the token's reset time.
type GuestCookies struct {
	Tokens TokenDecoder
	Secure bool
	now    func() time.Time
}

func NewGuestCookies(tokens TokenDecoder, secure bool) *GuestCookies {
	return &GuestCookies{Tokens: tokens, Secure: secure, now: time.Now}
}

func (g *GuestCookies) Set(c *fiber.Ctx, token string) {
	if g == nil || token == "" {
		return
	}
	expires := g.now().Add(24 * time.Hour)
	if g.Tokens != nil {
		if state, err := g.Tokens.Decode(token); err == nil && state.ResetAt > 0 {
			expires = time.UnixMilli(state.ResetAt)
		}
	}
	c.Cookie(&fiber.Cookie{
		Name:     GuestCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		Secure:   g.Secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

// identityOf returns the credit owner of the request.
func identityOf(c *fiber.Ctx) ledger.Identity {
	if uc := usercontext.GetUserContext(c); uc.IsLoggedIn {
		return ledger.User(uc.UserID)
	}
	return ledger.Guest(c.Cookies(GuestCookieName))
}

// writeError renders a classified error as {"error": kind, "message": ...}.
func writeError(c *fiber.Ctx, err error) error {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s: %v", c.Method(), c.Path(), err)
	}
	body := fiber.Map{"error": string(kind), "message": apperr.MessageOf(err)}
	if kind == apperr.KindInsufficientCredits {
		body["needs_upgrade"] = true
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, op, message string) error {
	return writeError(c, apperr.New(apperr.KindInvalidInput, op, message))
}

func optionalUint(raw string) (*uint, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, true
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil, false
	}
	u := uint(v)
	return &u, true
}

// GetClientIP determines the client IP address considering proxies.
// Cloudflare's header wins over X-Forwarded-For, which wins over the socket.
func GetClientIP(c *fiber.Ctx) string {
	if cfIP := strings.TrimSpace(c.Get("CF-Connecting-IP")); cfIP != "" {
		return cfIP
	}
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	ip := c.IP()
	if strings.HasPrefix(ip, "::ffff:") && strings.Contains(ip, ".") {
		return strings.TrimPrefix(ip, "::ffff:")
	}
	return ip
}
