package auth

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// TokenSet is a token endpoint response with the SMART launch context
// fields. Fields the server omitted are empty.
type TokenSet struct {
	AccessToken       string
	RefreshToken      string
	IDToken           string
	TokenType         string
	ExpiresIn         int64
	Scope             string
	Patient           string
	Encounter         string
	User              string
	NeedPatientBanner bool
}

// tokenSetFromOAuth2 reads the response fields through Token.Extra, which
// exposes the raw JSON body. The typed RefreshToken is not used because
// x/oauth2 backfills it with the old value on refresh.
func tokenSetFromOAuth2(tok *oauth2.Token) *TokenSet {
	ts := &TokenSet{
		AccessToken:       tok.AccessToken,
		RefreshToken:      extraString(tok, "refresh_token"),
		IDToken:           extraString(tok, "id_token"),
		TokenType:         tok.TokenType,
		Scope:             extraString(tok, "scope"),
		Patient:           extraString(tok, "patient"),
		Encounter:         extraString(tok, "encounter"),
		User:              extraString(tok, "user"),
		NeedPatientBanner: extraBool(tok, "need_patient_banner"),
	}

	if n, ok := extraInt(tok, "expires_in"); ok {
		ts.ExpiresIn = n
	} else if !tok.Expiry.IsZero() {
		ts.ExpiresIn = int64(math.Round(time.Until(tok.Expiry).Seconds()))
	}
	return ts
}

func extraString(tok *oauth2.Token, key string) string {
	switch v := tok.Extra(key).(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func extraBool(tok *oauth2.Token, key string) bool {
	switch v := tok.Extra(key).(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

func extraInt(tok *oauth2.Token, key string) (int64, bool) {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// PatientFromAccessToken reads the patient context out of the access token
// payload without verifying its signature. The token comes straight from
// the token endpoint over TLS; this is a trust boundary, not a security
// check. Claims are tried in order: patient_id, context.patient, patient.
func PatientFromAccessToken(accessToken string) string {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(accessToken, claims)
	if err != nil && len(claims) == 0 {
		return ""
	}

	if v, ok := claims["patient_id"].(string); ok && v != "" {
		return v
	}
	if c, ok := claims["context"].(map[string]interface{}); ok {
		if v, ok := c["patient"].(string); ok && v != "" {
			return v
		}
	}
	if v, ok := claims["patient"].(string); ok && v != "" {
		return v
	}
	return ""
}
