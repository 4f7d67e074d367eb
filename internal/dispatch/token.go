package dispatch

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenAudience = "floww-workflow"
	tokenIssuer   = "floww-backend"
)

// WorkflowClaims is the claim set carried by workflow invocation tokens.
// The workload presents the token on its callback requests; the server
// verifies audience, issuer, expiry, and that the workflow matches.
type WorkflowClaims struct {
	DeploymentID string `json:"deployment_id"`
	WorkflowID   string `json:"workflow_id"`
	NamespaceID  string `json:"namespace_id"`
	InvocationID string `json:"invocation_id"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 workflow tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Mint issues a short-lived token scoped to one deployment invocation.
func (t *TokenIssuer) Mint(deploymentID, workflowID, namespaceID string) (string, error) {
	now := time.Now().UTC()
	claims := WorkflowClaims{
		DeploymentID: deploymentID,
		WorkflowID:   workflowID,
		NamespaceID:  namespaceID,
		InvocationID: uuid.New().String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "deployment:" + deploymentID,
			Audience:  jwt.ClaimStrings{tokenAudience},
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign workflow token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a workflow token, enforcing algorithm,
// audience, issuer, and expiry.
func (t *TokenIssuer) Verify(token string) (*WorkflowClaims, error) {
	var claims WorkflowClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(tok *jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify workflow token: %w", err)
	}
	return &claims, nil
}
