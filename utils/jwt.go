package utils

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coldpath/sequencer/config"
)

// ControlClaims is the bearer token accepted on the control API.
// Issuance is out of scope — this engine only verifies tokens signed with
// CONTROL_API_SECRET, minted by whatever external system owns
// authentication.
type ControlClaims struct {
	UserID uint `json:"user_id"`
	jwt.RegisteredClaims
}

// ParseControlToken verifies a control-API bearer token's signature and
// expiry and returns its claims.
func ParseControlToken(tokenString string) (*ControlClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ControlClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(config.AppConfig.ControlAPISecret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*ControlClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// PushClaims is the bearer token attached to inbound Gmail push
// notifications. ParsePushToken checks its audience claim against the
// expected audience it is given, after jwt.ParseWithClaims has verified
// the signature.
type PushClaims struct {
	EmailAddress string `json:"email"`
	jwt.RegisteredClaims
}

// ParsePushToken verifies a Gmail push notification's JWT signature and
// checks its audience against expectedAudience.
func ParsePushToken(tokenString, expectedAudience string) (*PushClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PushClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(config.AppConfig.ControlAPISecret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*PushClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if expectedAudience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, err
		}
		found := false
		for _, a := range aud {
			if a == expectedAudience {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.New("unexpected audience")
		}
	}
	return claims, nil
}
