package auth

import (
    "context"
    "errors"
    "fmt"
    "time"

    "github.com/golang-jwt/jwt/v5"
    "github.com/google/uuid"

    "github.com/fitdesk/fitdesk-server/internal/config"
    "github.com/fitdesk/fitdesk-server/internal/models"
    "github.com/fitdesk/fitdesk-server/internal/storage"
    "github.com/fitdesk/fitdesk-server/pkg/crypto"
)

const issuer = "fitdesk-server"

var (
    ErrInvalidCredentials = errors.New("invalid credentials")
    ErrInvalidToken       = errors.New("invalid token")
)

// JWTManager manages JWT tokens
type JWTManager struct {
    config *config.JWTConfig
    users  storage.UserStore
    now    func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig, users storage.UserStore) *JWTManager {
    return &JWTManager{
        config: cfg,
        users:  users,
        now:    time.Now,
    }
}

// Claims represents JWT claims
type Claims struct {
    jwt.RegisteredClaims
    UserID uuid.UUID       `json:"user_id"`
    Email  string          `json:"email"`
    Role   models.UserRole `json:"role"`
}

// TokenPair is returned by login and refresh
type TokenPair struct {
    AccessToken  string    `json:"accessToken"`
    RefreshToken string    `json:"refreshToken"`
    ExpiresAt    time.Time `json:"expiresAt"`
}

// Login checks staff credentials and issues a token pair
func (m *JWTManager) Login(ctx context.Context, email, password string) (*TokenPair, *models.User, error) {
    user, err := m.users.GetUserByEmail(ctx, email)
    if err != nil {
        if errors.Is(err, storage.ErrNotFound) {
            return nil, nil, ErrInvalidCredentials
        }
        return nil, nil, err
    }

    if !user.IsActive || !crypto.VerifyPassword(password, user.PasswordHash) {
        return nil, nil, ErrInvalidCredentials
    }

    pair, err := m.GenerateTokenPair(user)
    if err != nil {
        return nil, nil, err
    }

    if err := m.users.UpdateUserLastLogin(ctx, user.ID, m.now()); err != nil {
        return nil, nil, fmt.Errorf("update last login: %w", err)
    }

    return pair, user, nil
}

// GenerateTokenPair generates access and refresh tokens
func (m *JWTManager) GenerateTokenPair(user *models.User) (*TokenPair, error) {
    now := m.now()
    expiresAt := now.Add(m.config.AccessTokenTTL)

    // Access token
    accessClaims := Claims{
        RegisteredClaims: jwt.RegisteredClaims{
            Subject:   user.ID.String(),
            ExpiresAt: jwt.NewNumericDate(expiresAt),
            IssuedAt:  jwt.NewNumericDate(now),
            NotBefore: jwt.NewNumericDate(now),
            Issuer:    issuer,
        },
        UserID: user.ID,
        Email:  user.Email,
        Role:   user.Role,
    }

    accessToken := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims)
    accessTokenString, err := accessToken.SignedString([]byte(m.config.Secret))
    if err != nil {
        return nil, fmt.Errorf("sign access token: %w", err)
    }

    // Refresh token
    refreshClaims := jwt.RegisteredClaims{
        Subject:   user.ID.String(),
        ExpiresAt: jwt.NewNumericDate(now.Add(m.config.RefreshTokenTTL)),
        IssuedAt:  jwt.NewNumericDate(now),
        NotBefore: jwt.NewNumericDate(now),
        Issuer:    issuer,
        ID:        uuid.New().String(),
    }

    refreshToken := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims)
    refreshTokenString, err := refreshToken.SignedString([]byte(m.config.Secret))
    if err != nil {
        return nil, fmt.Errorf("sign refresh token: %w", err)
    }

    return &TokenPair{
        AccessToken:  accessTokenString,
        RefreshToken: refreshTokenString,
        ExpiresAt:    expiresAt,
    }, nil
}

func (m *JWTManager) keyFunc(token *jwt.Token) (interface{}, error) {
    if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
        return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
    }
    return []byte(m.config.Secret), nil
}

// ValidateToken validates an access token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
    token, err := jwt.ParseWithClaims(tokenString, &Claims{}, m.keyFunc,
        jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
    if err != nil {
        return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
    }

    claims, ok := token.Claims.(*Claims)
    if !ok || !token.Valid || claims.UserID == uuid.Nil {
        return nil, ErrInvalidToken
    }

    return claims, nil
}

// RefreshToken issues a new pair for the refresh token's user. Disabled
// accounts cannot refresh.
func (m *JWTManager) RefreshToken(ctx context.Context, refreshTokenString string) (*TokenPair, error) {
    token, err := jwt.ParseWithClaims(refreshTokenString, &jwt.RegisteredClaims{}, m.keyFunc,
        jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
    if err != nil {
        return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
    }

    claims, ok := token.Claims.(*jwt.RegisteredClaims)
    if !ok || !token.Valid {
        return nil, ErrInvalidToken
    }

    userID, err := uuid.Parse(claims.Subject)
    if err != nil {
        return nil, fmt.Errorf("%w: invalid user ID", ErrInvalidToken)
    }

    user, err := m.users.GetUser(ctx, userID)
    if err != nil {
        if errors.Is(err, storage.ErrNotFound) {
            return nil, ErrInvalidToken
        }
        return nil, err
    }
    if !user.IsActive {
        return nil, ErrInvalidToken
    }

    return m.GenerateTokenPair(user)
}
