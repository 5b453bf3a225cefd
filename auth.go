package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const (
	resumeTokenIssuer = "pixelverse-relay"
	secretSettingKey  = "resume_secret"
	adminRateBurst    = 5
)

var errAdminDisabled = errors.New("admin interface disabled")

// Auth signs resume tokens and checks the admin password.
type Auth struct {
	secret    []byte
	adminHash []byte

	// Admin login attempts per remote IP
	rateMu  sync.Mutex
	limiter map[string]*rate.Limiter
}

// NewAuth creates an Auth. The signing secret is loaded from db when one
// is available so tokens survive a restart.
func NewAuth(db *DB, adminPasswordHash string) *Auth {
	a := &Auth{
		secret:  loadOrCreateSecret(db),
		limiter: make(map[string]*rate.Limiter),
	}
	if adminPasswordHash != "" {
		a.adminHash = []byte(adminPasswordHash)
	}
	return a
}

// loadOrCreateSecret loads the token secret from the database, or generates
// and persists a new one if none exists.
func loadOrCreateSecret(db *DB) []byte {
	if db != nil {
		if h := db.GetSetting(secretSettingKey); h != "" {
			if b, err := hex.DecodeString(h); err == nil && len(b) == 32 {
				return b
			}
		}
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("failed to generate resume secret: " + err.Error())
	}
	if db != nil {
		if err := db.SetSetting(secretSettingKey, hex.EncodeToString(secret)); err != nil {
			log.Printf("relay: warning: could not persist resume secret: %v", err)
		}
	}
	return secret
}

// IssueResumeToken returns a token that lets the holder reclaim sessionID
// until ttl has passed.
func (a *Auth) IssueResumeToken(sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    resumeTokenIssuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateResumeToken returns the session id carried by a valid token.
func (a *Auth) ValidateResumeToken(tokenStr string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(resumeTokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("resume token: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("resume token: missing subject")
	}
	return claims.Subject, nil
}

// AdminEnabled reports whether an admin password is configured.
func (a *Auth) AdminEnabled() bool {
	return len(a.adminHash) > 0
}

// CheckAdmin verifies password against the configured bcrypt hash.
func (a *Auth) CheckAdmin(password, ip string) error {
	if !a.AdminEnabled() {
		return errAdminDisabled
	}
	if !a.allow(ip) {
		return fmt.Errorf("too many login attempts, try again later")
	}
	if err := bcrypt.CompareHashAndPassword(a.adminHash, []byte(password)); err != nil {
		return fmt.Errorf("invalid password")
	}
	return nil
}

func (a *Auth) allow(ip string) bool {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()

	l, ok := a.limiter[ip]
	if !ok {
		l = rate.NewLimiter(rate.Every(12*time.Second), adminRateBurst)
		a.limiter[ip] = l
	}
	return l.Allow()
}
