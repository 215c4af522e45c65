// Package accounts handles customer and staff accounts: signup, signin with
// bearer tokens, and password reset by emailed token.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jogardn/restaurant-orders/internal/apperr"
	"github.com/jogardn/restaurant-orders/internal/notify"
	"github.com/jogardn/restaurant-orders/internal/store"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenTTL      = 24 * time.Hour
	DefaultResetTokenTTL = time.Hour
	minPasswordLength    = 8
	maxUsernameLength    = 150
)

type Config struct {
	JWTSecret     []byte
	TokenTTL      time.Duration
	ResetTokenTTL time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

func (c Config) withDefaults() Config {
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.ResetTokenTTL <= 0 {
		c.ResetTokenTTL = DefaultResetTokenTTL
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	return c
}

// Mailer queues an already rendered message.
type Mailer interface {
	Enqueue(msg notify.Message) *notify.Delivery
}

type Claims struct {
	UserID  int64  `json:"user_id"`
	Email   string `json:"email"`
	IsStaff bool   `json:"is_staff"`
	jwt.RegisteredClaims
}

type Service struct {
	store  store.Store
	cfg    Config
	mailer Mailer
	logger *logrus.Logger
	now    func() time.Time
}

func NewService(s store.Store, cfg Config, mailer Mailer, logger *logrus.Logger) *Service {
	return &Service{store: s, cfg: cfg.withDefaults(), mailer: mailer, logger: logger, now: time.Now}
}

type SignupRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	Location        string `json:"location,omitempty"`
}

func validationErr(result *multierror.Error, prefix string) error {
	msgs := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		msgs = append(msgs, e.Error())
	}
	return apperr.Wrap(apperr.KindValidation, result, prefix+strings.Join(msgs, "; "))
}

func checkPassword(result *multierror.Error, password, confirm string) *multierror.Error {
	if len(password) < minPasswordLength {
		result = multierror.Append(result, fmt.Errorf("password must be at least %d characters", minPasswordLength))
	}
	if password != confirm {
		result = multierror.Append(result, errors.New("passwords do not match"))
	}
	return result
}

// Signup creates a customer account and records the signup.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*models.User, error) {
	return s.createUser(ctx, req, false)
}

// CreateStaff creates an account allowed to use the admin API.
func (s *Service) CreateStaff(ctx context.Context, req SignupRequest) (*models.User, error) {
	return s.createUser(ctx, req, true)
}

func (s *Service) createUser(ctx context.Context, req SignupRequest, staff bool) (*models.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	var result *multierror.Error
	if req.Username == "" {
		result = multierror.Append(result, errors.New("username is required"))
	} else if len(req.Username) > maxUsernameLength {
		result = multierror.Append(result, fmt.Errorf("username must be at most %d characters", maxUsernameLength))
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		result = multierror.Append(result, errors.New("a valid email is required"))
	}
	result = checkPassword(result, req.Password, req.ConfirmPassword)

	// Taken names are reported together with the other field errors.
	err := s.store.Read(ctx, func(repo store.Repository) error {
		if req.Username != "" {
			if u, err := repo.GetUserByLogin(ctx, req.Username); err == nil && u.Username == req.Username {
				result = multierror.Append(result, errors.New("username is already taken"))
			} else if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if req.Email != "" {
			if u, err := repo.GetUserByLogin(ctx, req.Email); err == nil && u.Email == req.Email {
				result = multierror.Append(result, errors.New("email is already registered"))
			} else if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check existing users: %w", err)
	}
	if result.ErrorOrNil() != nil {
		return nil, validationErr(result, "invalid signup: ")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		IsStaff:      staff,
		CreatedAt:    now,
	}
	err = s.store.Tx(ctx, func(repo store.Repository) error {
		if err := repo.CreateUser(ctx, user); err != nil {
			return err
		}
		return repo.RecordSignupEvent(ctx, &models.SignupEvent{
			UserID:    user.ID,
			Email:     user.Email,
			Location:  strings.TrimSpace(req.Location),
			CreatedAt: now,
		})
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, apperr.Wrap(apperr.KindValidation, err, "username or email is already registered")
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
		"staff":    staff,
	}).Info("User signed up")
	return user, nil
}

type SigninRequest struct {
	// Login is a username or an email address.
	Login    string `json:"login"`
	Password string `json:"password"`
}

type Session struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

func (s *Service) Signin(ctx context.Context, req SigninRequest) (*Session, error) {
	login := strings.TrimSpace(req.Login)
	if strings.Contains(login, "@") {
		login = strings.ToLower(login)
	}

	var user *models.User
	err := s.store.Read(ctx, func(repo store.Repository) error {
		var err error
		user, err = repo.GetUserByLogin(ctx, login)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Unauthorized("invalid username/email or password")
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, apperr.Unauthorized("invalid username/email or password")
	}

	expiration := s.now().Add(s.cfg.TokenTTL)
	claims := &Claims{
		UserID:  user.ID,
		Email:   user.Email,
		IsStaff: user.IsStaff,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(s.now()),
			Subject:   user.Username,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	s.logger.WithField("user_id", user.ID).Info("User signed in")
	return &Session{Token: token, ExpiresAt: expiration.UTC(), User: user}, nil
}

// ParseToken validates a bearer token issued by Signin.
func (s *Service) ParseToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.cfg.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, apperr.Unauthorized("invalid or expired token")
	}
	return claims, nil
}

// RequestPasswordReset emails a fresh reset token to the account with this
// address, replacing any earlier token. Unknown addresses succeed silently
// and return a nil Delivery.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (*notify.Delivery, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperr.Validation("email is required")
	}

	var (
		user  *models.User
		token *models.PasswordResetToken
	)
	err := s.store.Tx(ctx, func(repo store.Repository) error {
		u, err := repo.GetUserByLogin(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if u.Email != email {
			return nil
		}
		user = u
		token = &models.PasswordResetToken{
			UserID:    u.ID,
			Token:     uuid.NewString(),
			CreatedAt: s.now().UTC(),
		}
		return repo.SaveResetToken(ctx, token)
	})
	if err != nil {
		return nil, fmt.Errorf("save reset token: %w", err)
	}
	if user == nil {
		s.logger.Debug("Password reset requested for unknown email")
		return nil, nil
	}

	s.logger.WithField("user_id", user.ID).Info("Password reset token issued")
	return s.mailer.Enqueue(resetMessage(user, token.Token, s.cfg.ResetTokenTTL)), nil
}

func resetMessage(user *models.User, token string, ttl time.Duration) notify.Message {
	text := fmt.Sprintf("Hi %s,\n\nUse this code to reset your password: %s\n\nThe code expires in %s. If you did not ask for a reset you can ignore this email.\n",
		user.Username, token, ttl)
	return notify.Message{
		To:      user.Email,
		Subject: "Password reset",
		Text:    text,
	}
}

type ResetConfirmation struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// ConfirmPasswordReset sets a new password using a token from
// RequestPasswordReset. The token is consumed on success.
func (s *Service) ConfirmPasswordReset(ctx context.Context, req ResetConfirmation) error {
	var result *multierror.Error
	if result = checkPassword(result, req.Password, req.ConfirmPassword); result.ErrorOrNil() != nil {
		return validationErr(result, "invalid password: ")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	var userID int64
	err = s.store.Tx(ctx, func(repo store.Repository) error {
		token, err := repo.GetResetToken(ctx, strings.TrimSpace(req.Token))
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("reset token not found")
		}
		if err != nil {
			return err
		}
		if token.Expired(s.now(), s.cfg.ResetTokenTTL) {
			return apperr.Validation("reset token has expired")
		}
		userID = token.UserID
		if err := repo.UpdateUserPassword(ctx, token.UserID, string(hash)); err != nil {
			return err
		}
		return repo.DeleteResetToken(ctx, token.UserID)
	})
	if err != nil {
		return fmt.Errorf("confirm password reset: %w", err)
	}

	s.logger.WithField("user_id", userID).Info("Password reset completed")
	return nil
}
