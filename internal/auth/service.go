package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/genbot/backend/internal/config"
)

var (
	// ErrInvalidToken is returned for tokens that fail signature, expiry or claim checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNotAdmin is returned when the actor is not listed in ADMIN_IDS.
	ErrNotAdmin = errors.New("actor is not an admin")
	// ErrNoSecret is returned by IssueToken when JWT_SECRET is unset.
	ErrNoSecret = errors.New("JWT_SECRET is not configured")
)

const (
	roleAdmin       = "admin"
	DefaultTokenTTL = 24 * time.Hour
)

// Service issues and validates admin bearer tokens. The subject is the
// actor's Telegram id; admin status is re-checked on every validation so
// removing an id from ADMIN_IDS revokes its tokens.
type Service struct {
	secret  []byte
	isAdmin func(int64) bool
	now     func() time.Time
}

func NewService(cfg *config.Config) *Service {
	return &Service{secret: []byte(cfg.JWTSecret), isAdmin: cfg.IsAdmin, now: time.Now}
}

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func (s *Service) IssueToken(actorID int64, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNoSecret
	}
	if !s.isAdmin(actorID) {
		return "", ErrNotAdmin
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(actorID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: roleAdmin,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

// ValidateToken returns the actor id carried by a valid admin token.
func (s *Service) ValidateToken(token string) (int64, error) {
	if len(s.secret) == 0 {
		return 0, ErrInvalidToken
	}
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return 0, errors.Join(ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Role != roleAdmin {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	if !s.isAdmin(id) {
		return 0, ErrNotAdmin
	}
	return id, nil
}
