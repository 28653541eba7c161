package auth

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type Service struct {
	secret           []byte
	serviceCredential string
}

type Claims struct {
	UserID          string `json:"user_id"`
	Email           string `json:"email"`
	IsPlatformOwner bool   `json:"is_platform_owner"`
	jwt.RegisteredClaims
}

// New builds an auth Service. serviceCredential authenticates the scheduler
// endpoint (/process-scheduled) and is never derived from a user JWT.
func New(secret, serviceCredential string) *Service {
	return &Service{secret: []byte(secret), serviceCredential: serviceCredential}
}

func (s *Service) HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

func (s *Service) CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *Service) GenerateToken(userID, email string, isPlatformOwner bool) (string, error) {
	claims := Claims{
		UserID:          userID,
		Email:           email,
		IsPlatformOwner: isPlatformOwner,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(30 * 24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// CheckServiceCredential authenticates the scheduler's /process-scheduled
// call. It is a plain equality check against a static credential, not a
// JWT, since the scheduler is a trusted internal caller rather than a
// dashboard user.
func (s *Service) CheckServiceCredential(token string) bool {
	if s.serviceCredential == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.serviceCredential)) == 1
}

func (s *Service) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
