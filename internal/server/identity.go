package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/carpool-chat/internal/chat"
)

const tokenName = "token"

// identityClaims is the payload of the site's login token.
type identityClaims struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// identityReader extracts the optional peer identity from an upgrade
// request. It never rejects a connection.
type identityReader struct {
	secret []byte
}

func newIdentityReader(secret string) *identityReader {
	if secret == "" {
		return nil
	}
	return &identityReader{secret: []byte(secret)}
}

// peer returns the identity carried by r, or the anonymous peer.
func (ir *identityReader) peer(r *http.Request) (chat.Peer, error) {
	if ir == nil {
		return chat.Peer{}, nil
	}

	raw := tokenFromRequest(r)
	if raw == "" {
		return chat.Peer{}, nil
	}

	claims, err := ir.parse(raw)
	if err != nil {
		return chat.Peer{}, err
	}
	return chat.Peer{UserID: claims.ID, Name: claims.Name}, nil
}

func (ir *identityReader) parse(raw string) (*identityClaims, error) {
	claims := &identityClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return ir.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse identity token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("parse identity token: invalid token")
	}
	return claims, nil
}

func tokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(tokenName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get(tokenName)
}
