package main

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/whisper/messenger/loadtest/client"
)

const tokenTTL = time.Hour

// announcer returns how a scenario announces its connections. With a secret
// every announce carries an HS256 token for the user; without one the bare
// user id is sent.
func announcer(secret string) func(c *client.Client, userID string) error {
	if secret == "" {
		return func(c *client.Client, userID string) error {
			return c.Announce(userID)
		}
	}
	key := []byte(secret)
	return func(c *client.Client, userID string) error {
		token, err := signToken(key, userID, tokenTTL)
		if err != nil {
			return err
		}
		return c.AnnounceWithToken(userID, token)
	}
}

func signToken(key []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
