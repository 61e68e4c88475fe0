package client

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v2"

	"github.com/mycoool/goota/internal/types"
)

// UsersFile local users file path.
var UsersFile = "users.yaml"

// in-memory session registry for the local management API
var (
	ClientSessions   = make(map[string]*types.ClientSession)
	SessionIDCounter = 1
	SessionMutex     sync.RWMutex
)

// AddClientSession registers a client session.
func AddClientSession(token, name, username string) *types.ClientSession {
	SessionMutex.Lock()
	defer SessionMutex.Unlock()

	session := &types.ClientSession{
		ID:        SessionIDCounter,
		Token:     token,
		Name:      name,
		Username:  username,
		LastUsed:  time.Now(),
		CreatedAt: time.Now(),
	}

	ClientSessions[token] = session
	SessionIDCounter++

	return session
}

// RemoveClientSession drops a client session.
func RemoveClientSession(token string) bool {
	SessionMutex.Lock()
	defer SessionMutex.Unlock()

	if _, exists := ClientSessions[token]; exists {
		delete(ClientSessions, token)
		return true
	}
	return false
}

// UpdateSessionLastUsed bumps the session's last-used time.
func UpdateSessionLastUsed(token string) {
	SessionMutex.Lock()
	defer SessionMutex.Unlock()

	if session, exists := ClientSessions[token]; exists {
		session.LastUsed = time.Now()
	}
}

// HashPassword hashes a password with bcrypt.
func HashPassword(password string) string {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Errorf("error hashing password: %v", err)
		return ""
	}
	return string(hashedPassword)
}

// VerifyPassword checks a password against its bcrypt hash.
func VerifyPassword(password, hashedPassword string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}

// GenerateToken issues a JWT for the local API.
func GenerateToken(username, role string) (string, error) {
	expirationTime := time.Now().Add(time.Duration(types.GootaAppConfig.JWTExpiryDuration) * time.Hour)
	claims := &types.Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(types.GootaAppConfig.JWTSecret))
}

// ValidateToken parses and validates a local API JWT.
func ValidateToken(tokenString string) (*types.Claims, error) {
	claims := &types.Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(types.GootaAppConfig.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// LoadUsersConfig loads the local users file.
func LoadUsersConfig() error {
	data, err := os.ReadFile(UsersFile)
	if err != nil {
		return fmt.Errorf("failed to read users file: %w", err)
	}

	config := &types.UsersConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse users file: %w", err)
	}

	types.GootaUsersConfig = config
	return nil
}

// SaveUsersConfig writes the local users file.
func SaveUsersConfig() error {
	if types.GootaUsersConfig == nil {
		return fmt.Errorf("users config is empty")
	}

	data, err := yaml.Marshal(types.GootaUsersConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal users config: %w", err)
	}

	if err := os.WriteFile(UsersFile, data, 0600); err != nil {
		return fmt.Errorf("failed to save users file: %w", err)
	}
	return nil
}

// EnsureDefaultUser creates a default admin account when no users file
// exists yet, logging the generated password once.
func EnsureDefaultUser() {
	if err := LoadUsersConfig(); err == nil {
		return
	}

	defaultPassword := "admin123"
	types.GootaUsersConfig = &types.UsersConfig{
		Users: []types.UserConfig{
			{
				Username: "admin",
				Password: HashPassword(defaultPassword),
				Role:     "admin",
			},
		},
	}
	if saveErr := SaveUsersConfig(); saveErr != nil {
		log.Errorf("failed to save default user config: %v", saveErr)
	} else {
		log.Warnf("created default admin user with password: %s", defaultPassword)
	}
}

// loginRequest login body
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// Login authenticates a local API client and returns a JWT session.
func Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var matched *types.UserConfig
	if types.GootaUsersConfig != nil {
		for i := range types.GootaUsersConfig.Users {
			u := &types.GootaUsersConfig.Users[i]
			if u.Username == req.Username && VerifyPassword(req.Password, u.Password) {
				matched = u
				break
			}
		}
	}
	if matched == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := GenerateToken(matched.Username, matched.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	name := req.Name
	if name == "" {
		name = "local"
	}
	session := AddClientSession(token, name, matched.Username)

	c.JSON(http.StatusOK, types.ClientResponse{
		Token: token,
		ID:    session.ID,
		Name:  session.Name,
	})
}

// GetCurrentUser returns the authenticated user's info.
func GetCurrentUser(c *gin.Context) {
	username := c.GetString("username")
	role := c.GetString("role")
	c.JSON(http.StatusOK, types.UserResponse{Username: username, Role: role})
}
