package auth

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupAuth(t *testing.T) *AuthService {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := NewAuthService(db, "test-secret")
	if err != nil {
		t.Fatalf("NewAuthService() error = %v", err)
	}
	return s
}

func TestNewAuthServiceRequiresSecret(t *testing.T) {
	db, _ := sql.Open("sqlite", ":memory:")
	defer db.Close()
	if _, err := NewAuthService(db, ""); err == nil {
		t.Error("NewAuthService() with empty secret should fail")
	}
}

func TestRegisterAndLogin(t *testing.T) {
	s := setupAuth(t)
	if err := s.Register("alice", "pw"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Register("alice", "other"); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate Register() = %v; want ErrUserExists", err)
	}
	if err := s.Register(" ", "pw"); err == nil {
		t.Error("Register() with blank username should fail")
	}

	token, err := s.Login("alice", "pw")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	claims, err := s.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if claims.Username != "alice" {
		t.Errorf("claims.Username = %q; want alice", claims.Username)
	}

	if _, err := s.Login("alice", "wrong"); !errors.Is(err, ErrInvalidCreds) {
		t.Errorf("Login() with wrong password = %v; want ErrInvalidCreds", err)
	}
	if _, err := s.Login("bob", "pw"); !errors.Is(err, ErrInvalidCreds) {
		t.Errorf("Login() with unknown user = %v; want ErrInvalidCreds", err)
	}
}

func TestVerifyTokenRejects(t *testing.T) {
	s := setupAuth(t)
	s.Register("alice", "pw")
	token, _ := s.Login("alice", "pw")

	tests := []struct {
		name    string
		service func() *AuthService
		token   string
	}{
		{"garbage", func() *AuthService { return s }, "not-a-token"},
		{"other secret", func() *AuthService {
			o := *s
			o.jwtSecret = []byte("other")
			return &o
		}, token},
		{"expired", func() *AuthService {
			o := *s
			o.now = func() time.Time { return time.Now().Add(DefaultTokenTTL + time.Hour) }
			return &o
		}, token},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.service().VerifyToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("VerifyToken() = %v; want ErrInvalidToken", err)
			}
		})
	}
}

func TestCreateDefaultUser(t *testing.T) {
	s := setupAuth(t)
	password, err := s.CreateDefaultUser()
	if err != nil {
		t.Fatalf("CreateDefaultUser() error = %v", err)
	}
	if len(password) != 16 {
		t.Errorf("generated password length = %d; want 16", len(password))
	}
	if _, err := s.Login("admin", password); err != nil {
		t.Errorf("Login() with generated password error = %v", err)
	}

	again, err := s.CreateDefaultUser()
	if err != nil || again != "" {
		t.Errorf("second CreateDefaultUser() = %q, %v; want no-op", again, err)
	}
}

func TestListAndDeleteUsers(t *testing.T) {
	s := setupAuth(t)
	s.Register("bob", "pw")
	s.Register("alice", "pw")

	users, err := s.ListUsers()
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(users) != 2 || users[0].Username != "alice" {
		t.Errorf("ListUsers() = %v; want alice, bob", users)
	}

	if err := s.DeleteUser("bob"); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if err := s.DeleteUser("alice"); !errors.Is(err, ErrLastUser) {
		t.Errorf("DeleteUser() of last user = %v; want ErrLastUser", err)
	}
}
