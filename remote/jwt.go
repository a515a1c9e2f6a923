package remote

import (
	gojwt "github.com/golang-jwt/jwt/v5"

	"bringyour.com/livedoc"
)

// claims carried on the gateway auth token
type ByJwt struct {
	UserId    livedoc.Id
	StoreName string
	ClientId  livedoc.Id
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	// malformed claims are skipped, not raised
	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := livedoc.ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if storeName, ok := claims["store_name"].(string); ok {
		byJwt.StoreName = storeName
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := livedoc.ParseId(clientIdStr); err == nil {
			byJwt.ClientId = clientId
		}
	}

	return byJwt, nil
}

// HS256. Used by tooling to mint tokens for a gateway that shares `secret`.
func SignByJwt(secret []byte, byJwt *ByJwt) (string, error) {
	claims := gojwt.MapClaims{
		"user_id":    byJwt.UserId.String(),
		"store_name": byJwt.StoreName,
		"client_id":  byJwt.ClientId.String(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
