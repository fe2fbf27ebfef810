package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/tokendex/internal/memstore"
	"github.com/xtrntr/tokendex/internal/models"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

func newTestService(t *testing.T) (*AuthService, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	return NewAuthService(st, testSecret, time.Hour), st
}

func TestAuthService_Register(t *testing.T) {
	tests := []struct {
		name        string
		username    string
		email       string
		password    string
		expectError error
	}{
		{name: "Success", username: "alice", email: "Alice@Example.com", password: "password123"},
		{name: "NoEmail", username: "alice", password: "password123"},
		{name: "EmptyUsername", username: "", password: "password123", expectError: models.ErrValidation},
		{name: "ShortUsername", username: "al", password: "password123", expectError: models.ErrValidation},
		{name: "LongUsername", username: strings.Repeat("a", 51), password: "password123", expectError: models.ErrValidation},
		{name: "ShortPassword", username: "alice", password: "short", expectError: models.ErrValidation},
		{name: "LongPassword", username: "alice", password: strings.Repeat("p", 73), expectError: models.ErrValidation},
		{name: "BadEmail", username: "alice", email: "not-an-email", password: "password123", expectError: models.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, st := newTestService(t)
			user, err := s.Register(context.Background(), tt.username, tt.email, tt.password)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tt.username, user.Username)
			assert.Equal(t, strings.ToLower(tt.email), user.Email)
			assert.True(t, user.TokenBalance.IsZero())
			assert.True(t, common.IsHexAddress(user.WalletAddress))
			assert.Equal(t, common.HexToAddress(user.WalletAddress).Hex(), user.WalletAddress, "address is checksummed")

			stored, err := st.GetUserByUsername(context.Background(), tt.username)
			require.NoError(t, err)
			assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte(tt.password)))
		})
	}
}

func TestAuthService_Register_Duplicate(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Register(context.Background(), "alice", "", "password123")
	require.NoError(t, err)

	_, err = s.Register(context.Background(), "alice", "", "newpass123")
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestAuthService_Login(t *testing.T) {
	s, _ := newTestService(t)
	registered, err := s.Register(context.Background(), "alice", "", "password123")
	require.NoError(t, err)

	tests := []struct {
		name        string
		username    string
		password    string
		expectError bool
	}{
		{name: "Success", username: "alice", password: "password123"},
		{name: "WrongPassword", username: "alice", password: "wrongpass", expectError: true},
		{name: "NonExistentUser", username: "bob", password: "password123", expectError: true},
		{name: "LongPassword", username: "alice", password: strings.Repeat("p", 1000), expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, user, err := s.Login(context.Background(), tt.username, tt.password)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidCredentials)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, registered.ID, user.ID)

			parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
				return []byte(testSecret), nil
			})
			require.NoError(t, err)
			claims, ok := parsed.Claims.(jwt.MapClaims)
			require.True(t, ok)
			assert.Equal(t, "alice", claims["username"])
			assert.Equal(t, registered.ID, claims["user_id"])
		})
	}
}

func TestAuthService_GetUserFromToken(t *testing.T) {
	s, _ := newTestService(t)
	user, err := s.Register(context.Background(), "alice", "", "password123")
	require.NoError(t, err)
	token, _, err := s.Login(context.Background(), "alice", "password123")
	require.NoError(t, err)

	expiredToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": "alice",
		"exp":      time.Now().Add(-time.Hour).Unix(),
	})
	expiredTokenStr, _ := expiredToken.SignedString([]byte(testSecret))
	invalidToken, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user.ID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("wrong-key"))
	numericID, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": float64(1),
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": user.ID,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name         string
		token        string
		expectUserID string
		expectError  bool
	}{
		{name: "Success", token: token, expectUserID: user.ID},
		{name: "ExpiredToken", token: expiredTokenStr, expectError: true},
		{name: "InvalidSignature", token: invalidToken, expectError: true},
		{name: "NonStringUserID", token: numericID, expectError: true},
		{name: "NoneAlgorithm", token: unsigned, expectError: true},
		{name: "EmptyToken", token: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, err := s.GetUserFromToken(tt.token)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectUserID, userID)
		})
	}
}

func TestNewWalletAddress(t *testing.T) {
	a, err := NewWalletAddress()
	require.NoError(t, err)
	b, err := NewWalletAddress()
	require.NoError(t, err)

	assert.Regexp(t, `^0x[0-9a-fA-F]{40}$`, a)
	assert.NotEqual(t, a, b)
}

func TestAuthService_Profile(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	user, err := s.Register(ctx, "alice", "", "password123")
	require.NoError(t, err)

	got, err := s.Profile(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, user.WalletAddress, got.WalletAddress)

	_, err = s.Profile(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAuthService_UpdateWallet(t *testing.T) {
	const checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

	tests := []struct {
		name        string
		address     string
		user        string
		want        string
		expectError error
	}{
		{name: "LowerCase", address: strings.ToLower(checksummed), want: checksummed},
		{name: "Padded", address: "  " + checksummed + " ", want: checksummed},
		{name: "Empty", address: "", expectError: models.ErrValidation},
		{name: "NoPrefix", address: strings.TrimPrefix(checksummed, "0x"), expectError: models.ErrValidation},
		{name: "TooShort", address: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1Be", expectError: models.ErrValidation},
		{name: "NotHex", address: "0xZZAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", expectError: models.ErrValidation},
		{name: "TakenByOther", address: "bob", expectError: models.ErrConflict},
		{name: "UnknownUser", address: checksummed, user: "missing", expectError: models.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestService(t)
			ctx := context.Background()
			alice, err := s.Register(ctx, "alice", "", "password123")
			require.NoError(t, err)
			bob, err := s.Register(ctx, "bob", "", "password123")
			require.NoError(t, err)

			address := tt.address
			if address == "bob" {
				address = bob.WalletAddress
			}
			userID := alice.ID
			if tt.user != "" {
				userID = tt.user
			}

			got, err := s.UpdateWallet(ctx, userID, address)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.WalletAddress)

			stored, err := s.Profile(ctx, alice.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.WalletAddress)
		})
	}
}
