package service

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opentill/opentill/internal/core"
	"golang.org/x/crypto/bcrypt"
)

// AuthService handles cashier login and token validation
type AuthService struct {
	cashiers  core.CashierRepository
	jwtSecret string
}

// NewAuthService creates a new auth service
func NewAuthService(cashiers core.CashierRepository, jwtSecret string) *AuthService {
	return &AuthService{
		cashiers:  cashiers,
		jwtSecret: jwtSecret,
	}
}

// Login verifies a cashier's PIN and returns a JWT token with the cashier
func (s *AuthService) Login(ctx context.Context, phone, pin string) (string, *core.Cashier, error) {
	cashier, err := s.cashiers.GetByPhone(ctx, phone)
	if err != nil || !cashier.IsActive {
		// Deliberately indistinguishable from a wrong PIN
		return "", nil, fmt.Errorf("unauthorized: invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cashier.PinHash), []byte(pin)); err != nil {
		return "", nil, fmt.Errorf("unauthorized: invalid credentials")
	}

	token, err := s.generateJWT(cashier)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return token, cashier, nil
}

// generateJWT generates a JWT token for a cashier
func (s *AuthService) generateJWT(cashier *core.Cashier) (string, error) {
	claims := jwt.MapClaims{
		"cashier_id": cashier.ID,
		"phone":      cashier.Phone,
		"name":       cashier.Name,
		"role":       cashier.Role,
		"branch_id":  cashier.BranchID,
		"exp":        time.Now().Add(12 * time.Hour).Unix(), // one shift, with margin
		"iat":        time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// ValidateJWT validates a JWT token and returns the claims
func (s *AuthService) ValidateJWT(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}
