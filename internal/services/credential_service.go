package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/prudhvinik1/edgeshadow/internal/repositories"
	"github.com/prudhvinik1/edgeshadow/internal/utils"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailExists        = errors.New("email already exists")
	ErrInvalidToken       = errors.New("invalid token")
	ErrDeviceExists       = errors.New("device already exists")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceRevoked      = errors.New("device revoked")
	ErrForbidden          = errors.New("forbidden")
)

// CredentialService issues the short-lived tokens devices and operators use
// as their MQTT password, and answers the broker's authentication and
// authorization hooks.
type CredentialService struct {
	accountRepo repositories.AccountRepository
	deviceRepo  repositories.DeviceRepository
	sessionRepo repositories.CredentialSessionRepository
	jwtSecret   string
	jwtExpiry   time.Duration
	log         *zap.SugaredLogger
	now         func() time.Time
}

// Credentials are handed to an MQTT client: Username as the MQTT user name
// and Token as the password.
type Credentials struct {
	Username  string    `json:"username"`
	Token     string    `json:"password"`
	ExpiresAt time.Time `json:"expires_at"`
}

type TokenClaims struct {
	Kind      string
	Subject   string
	AccountID uuid.UUID
	SessionID string
}

func NewCredentialService(
	accountRepo repositories.AccountRepository,
	deviceRepo repositories.DeviceRepository,
	sessionRepo repositories.CredentialSessionRepository,
	jwtSecret string,
	jwtExpiry time.Duration,
	log *zap.SugaredLogger,
) *CredentialService {
	return &CredentialService{
		accountRepo: accountRepo,
		deviceRepo:  deviceRepo,
		sessionRepo: sessionRepo,
		jwtSecret:   jwtSecret,
		jwtExpiry:   jwtExpiry,
		log:         log,
		now:         time.Now,
	}
}

func (s *CredentialService) RegisterAccount(ctx context.Context, email, password string) (*models.Account, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email required", ErrInvalidRequest)
	}

	_, err := s.accountRepo.GetByEmail(ctx, email)
	if err == nil {
		return nil, ErrEmailExists
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}

	hashedPassword, err := utils.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	account := &models.Account{
		Email:        email,
		PasswordHash: hashedPassword,
	}
	err = s.accountRepo.Create(ctx, account)
	if errors.Is(err, repositories.ErrAlreadyExists) {
		return nil, ErrEmailExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// RegisterDevice creates a device owned by the operator and returns it with
// its secret. The secret is only ever returned here.
func (s *CredentialService) RegisterDevice(ctx context.Context, email, password, name string) (*models.Device, string, error) {
	if name == "" || strings.ContainsAny(name, "/+#$@") {
		return nil, "", fmt.Errorf("%w: invalid device name %q", ErrInvalidRequest, name)
	}
	account, err := s.authenticateOperator(ctx, email, password)
	if err != nil {
		return nil, "", err
	}

	secret, err := utils.GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := utils.HashPassword(secret)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash secret: %w", err)
	}

	device := &models.Device{
		AccountID:  account.ID,
		Name:       name,
		SecretHash: hash,
	}
	err = s.deviceRepo.Create(ctx, device)
	if errors.Is(err, repositories.ErrAlreadyExists) {
		return nil, "", ErrDeviceExists
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to create device: %w", err)
	}

	s.log.Infow("device registered", "device", name, "account_id", account.ID)
	return device, secret, nil
}

// IssueDeviceCredentials exchanges a device secret for a token.
func (s *CredentialService) IssueDeviceCredentials(ctx context.Context, name, secret string) (*Credentials, error) {
	device, err := s.deviceRepo.GetByName(ctx, name)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if device.Revoked() {
		return nil, ErrDeviceRevoked
	}
	if !utils.CheckPassword(device.SecretHash, secret) {
		return nil, ErrInvalidCredentials
	}
	return s.issue(ctx, models.PrincipalDevice, device.Name, device.AccountID)
}

// IssueOperatorCredentials exchanges an operator login for a token.
func (s *CredentialService) IssueOperatorCredentials(ctx context.Context, email, password string) (*Credentials, error) {
	account, err := s.authenticateOperator(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, models.PrincipalOperator, account.Email, account.ID)
}

func (s *CredentialService) authenticateOperator(ctx context.Context, email, password string) (*models.Account, error) {
	account, err := s.accountRepo.GetByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !utils.CheckPassword(account.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return account, nil
}

func (s *CredentialService) issue(ctx context.Context, kind, subject string, accountID uuid.UUID) (*Credentials, error) {
	now := s.now()
	session := &models.CredentialSession{
		ID:        uuid.New().String(),
		Kind:      kind,
		AccountID: accountID,
		Subject:   subject,
		ExpiresAt: now.Add(s.jwtExpiry),
		CreatedAt: now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create credential session: %w", err)
	}

	token, err := s.generateToken(session)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	s.log.Infow("credentials issued", "kind", kind, "subject", subject, "expires_at", session.ExpiresAt)
	return &Credentials{Username: subject, Token: token, ExpiresAt: session.ExpiresAt}, nil
}

func (s *CredentialService) generateToken(session *models.CredentialSession) (string, error) {
	claims := jwt.MapClaims{
		"sub":        session.Subject,
		"kind":       session.Kind,
		"account_id": session.AccountID.String(),
		"jti":        session.ID,
		"exp":        session.ExpiresAt.Unix(),
		"iat":        session.CreatedAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// VerifyToken checks the signature and expiry of tokenString. It does not
// consult the session store; Authenticate does.
func (s *CredentialService) VerifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	subject, _ := claims["sub"].(string)
	kind, _ := claims["kind"].(string)
	sessionID, _ := claims["jti"].(string)
	accountIDStr, _ := claims["account_id"].(string)
	accountID, err := uuid.Parse(accountIDStr)
	if err != nil || subject == "" || sessionID == "" {
		return nil, ErrInvalidToken
	}
	if kind != models.PrincipalDevice && kind != models.PrincipalOperator {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{
		Kind:      kind,
		Subject:   subject,
		AccountID: accountID,
		SessionID: sessionID,
	}, nil
}

// Authenticate is the broker's connect hook: password must be a live token
// issued to username.
func (s *CredentialService) Authenticate(ctx context.Context, username, password string) (*TokenClaims, error) {
	claims, err := s.AuthenticateToken(ctx, password)
	if err != nil {
		return nil, err
	}
	if claims.Subject != username {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AuthenticateToken accepts a live token of a device that is not revoked or of
// an operator.
func (s *CredentialService) AuthenticateToken(ctx context.Context, token string) (*TokenClaims, error) {
	claims, err := s.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	if _, err := s.sessionRepo.GetByID(ctx, claims.SessionID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to get credential session: %w", err)
	}
	if claims.Kind == models.PrincipalDevice {
		device, err := s.deviceRepo.GetByName(ctx, claims.Subject)
		if err != nil {
			return nil, ErrInvalidToken
		}
		if device.Revoked() {
			return nil, ErrDeviceRevoked
		}
	}
	return claims, nil
}

// Revoke invalidates one issued token.
func (s *CredentialService) Revoke(ctx context.Context, tokenString string) error {
	claims, err := s.VerifyToken(tokenString)
	if err != nil {
		return err
	}
	err = s.sessionRepo.Delete(ctx, claims.SessionID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("failed to delete credential session: %w", err)
	}
	return nil
}

// RevokeDevice blocks the device and invalidates all its tokens.
func (s *CredentialService) RevokeDevice(ctx context.Context, email, password, name string) error {
	account, err := s.authenticateOperator(ctx, email, password)
	if err != nil {
		return err
	}
	device, err := s.deviceRepo.GetByName(ctx, name)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get device: %w", err)
	}
	if device.AccountID != account.ID {
		return ErrForbidden
	}

	if err := s.deviceRepo.Revoke(ctx, name); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("failed to revoke device: %w", err)
	}
	if err := s.sessionRepo.DeleteAllForSubject(ctx, name); err != nil {
		return fmt.Errorf("failed to revoke device credentials: %w", err)
	}
	s.log.Infow("device revoked", "device", name)
	return nil
}

// AuthorizeTopic is the broker's ACL hook. Devices may use their own shadow,
// presence and chat topics and publish telemetry. Operators may use the
// shadow, presence and chat topics of devices in their account.
func (s *CredentialService) AuthorizeTopic(ctx context.Context, username, topic string, write bool) error {
	device, err := s.deviceRepo.GetByName(ctx, username)
	switch {
	case err == nil:
		if device.Revoked() {
			return ErrDeviceRevoked
		}
		return authorizeDevice(device.Name, topic, write)
	case !errors.Is(err, repositories.ErrNotFound):
		return fmt.Errorf("failed to get device: %w", err)
	}

	account, err := s.accountRepo.GetByEmail(ctx, username)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("failed to get account: %w", err)
	}

	target, ok := topicDevice(topic)
	if !ok {
		return ErrForbidden
	}
	owned, err := s.deviceRepo.GetByName(ctx, target)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("failed to get device: %w", err)
	}
	if owned.AccountID != account.ID {
		return ErrForbidden
	}
	return nil
}

func authorizeDevice(name, topic string, write bool) error {
	if topic == "lab/telemetry" && write {
		return nil
	}
	if strings.HasPrefix(topic, "lab/messaging/") {
		return nil
	}
	if target, ok := topicDevice(topic); ok && target == name {
		return nil
	}
	return ErrForbidden
}

// topicDevice extracts the device name of things/{name}/... topics and of
// chat inboxes.
func topicDevice(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	switch {
	case len(parts) >= 3 && parts[0] == "things" && parts[1] != "" && parts[1] != "+" && parts[1] != "#":
		return parts[1], true
	case len(parts) == 3 && parts[0] == "lab" && parts[1] == "messaging" && parts[2] != "" && parts[2] != "+" && parts[2] != "#":
		return parts[2], true
	}
	return "", false
}
