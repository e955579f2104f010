package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"github.com/lzumixiny/volo8-test/internal/models"
	"github.com/lzumixiny/volo8-test/internal/repository"
)

var (
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

type AuthService interface {
	// Register creates the admin account; only one may exist.
	Register(ctx context.Context, username, password string) (*models.User, error)
	// Login returns a signed token and its expiry.
	Login(ctx context.Context, username, password string) (string, time.Time, error)
}

type authService struct {
	repo      repository.AuthRepository
	jwtSecret []byte
	tokenTTL  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewAuthService(repo repository.AuthRepository, jwtSecret string, tokenTTL time.Duration, logger *zap.Logger) AuthService {
	return &authService{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *authService) Register(ctx context.Context, username, password string) (*models.User, error) {
	passwordHash, err := hashPassword(password)
	if err != nil {
		s.logger.Error("Failed to hash password", zap.Error(err))
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Username:     username,
		PasswordHash: passwordHash,
		Role:         models.RoleAdmin,
	}

	created, err := s.repo.CreateFirstUser(ctx, user)
	if err != nil {
		s.logger.Error("Failed to create user", zap.Error(err))
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if !created {
		return nil, ErrUserAlreadyExists
	}

	s.logger.Info("Admin registered", zap.String("username", user.Username))
	return user, nil
}

func (s *authService) Login(ctx context.Context, username, password string) (string, time.Time, error) {
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		s.logger.Error("Failed to get user by username", zap.Error(err))
		return "", time.Time{}, fmt.Errorf("failed to retrieve user: %w", err)
	}
	if user == nil || !verifyPassword(user.PasswordHash, password) {
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := s.now()
	expirationTime := now.Add(s.tokenTTL)
	claims := &models.Claims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		s.logger.Error("Failed to generate JWT token", zap.Error(err))
		return "", time.Time{}, fmt.Errorf("failed to generate token: %w", err)
	}

	s.logger.Info("User logged in successfully.", zap.String("username", user.Username))
	return tokenString, expirationTime, nil
}

// hashPassword encodes as $argon2id$v=19$m=65536,t=1,p=4$SALT$HASH.
func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

func verifyPassword(encoded, password string) bool {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	sections := strings.Split(encoded, "$")
	if len(sections) != 6 || sections[1] != "argon2id" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(sections[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}

	var m, t uint32
	var p uint8
	if _, err := fmt.Sscanf(sections[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(sections[4])
	if err != nil {
		return false
	}
	hash, err := base64.RawStdEncoding.DecodeString(sections[5])
	if err != nil {
		return false
	}

	candidate := argon2.IDKey([]byte(password), salt, t, m, p, uint32(len(hash)))
	return subtle.ConstantTimeCompare(candidate, hash) == 1
}

// ParseToken validates a bearer token signed with secret.
func ParseToken(tokenString string, secret []byte) (*models.Claims, error) {
	claims := &models.Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
