package models

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rsmtech/servicereport_backend/config"
	"github.com/rsmtech/servicereport_backend/utils"
)

type Account struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Username  string    `gorm:"size:100;not null;unique" json:"username"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Role      UserRole  `gorm:"size:20;not null;index" json:"role"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	IsActive  *bool     `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewAccount struct {
	Username string   `json:"username" binding:"required"`
	Name     string   `json:"name" binding:"required"`
	Password string   `json:"password" binding:"required"`
	Role     UserRole `json:"role" binding:"required"`
	IsActive *bool    `json:"is_active"`
}

func (a Account) Active() bool {
	return utils.DereferencePtr(a.IsActive)
}

/*
caches:
	Account:$id
	Token:$token -> username
	Tokens:$username
*/

func AccountCacheKey(id int) string {
	return fmt.Sprintf("Account:%d", id)
}

func (a Account) RemoveInstanceRedis() error {
	return config.RemoveRedisKey(AccountCacheKey(a.ID))
}

// PrepareAccount validates and hashes a new account before it is stored.
func PrepareAccount(input *NewAccount) (*Account, error) {
	username := html.EscapeString(strings.TrimSpace(input.Username))
	if username == "" {
		return nil, utils.ValidationError("username is required")
	}
	if !input.Role.IsValid() {
		return nil, utils.ValidationError("invalid role %q", input.Role)
	}
	if len(input.Password) < 6 {
		return nil, utils.ValidationError("password must be at least 6 characters")
	}
	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}
	isActive := input.IsActive
	if isActive == nil {
		isActive = utils.NewTrue()
	}
	return &Account{
		Username: username,
		Name:     strings.TrimSpace(input.Name),
		Role:     input.Role,
		Password: hashed,
		IsActive: isActive,
	}, nil
}

type LoginInfo struct {
	Token       string   `json:"token"`
	AccessToken string   `json:"access_token"`
	UserId      int      `json:"user_id"`
	Username    string   `json:"username"`
	Name        string   `json:"name"`
	Role        UserRole `json:"role"`
	ExpiresAt   int64    `json:"expires_at"`
}

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountDisabled    = errors.New("user is disabled")
)

// Login verifies credentials and opens a session: a Redis session token plus a signed JWT.
func Login(ctx context.Context, accounts AccountRepository, username string, password string) (*LoginInfo, error) {
	account, err := accounts.GetAccountByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if utils.IsKind(err, utils.KindNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := utils.ComparePassword(account.Password, password); err != nil {
		if errors.Is(err, utils.ErrMismatchedPassword) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !account.Active() {
		return nil, ErrAccountDisabled
	}

	if utils.NeedsRehash(account.Password) {
		if hashed, err := utils.HashPassword(password); err == nil {
			// best effort; the old hash keeps working
			_ = accounts.UpdateAccountPassword(ctx, account.ID, hashed)
		}
	}

	accessToken, err := utils.JwtGenerate(account.ID, string(account.Role))
	if err != nil {
		return nil, err
	}

	lifespan := utils.TokenLifespan()
	token := uuid.NewString()
	if err := config.AddRedisSet("Tokens:"+account.Username, token); err != nil {
		return nil, err
	}
	if err := config.SetRedisValue("Token:"+token, account.Username, lifespan); err != nil {
		return nil, err
	}

	return &LoginInfo{
		Token:       token,
		AccessToken: accessToken,
		UserId:      account.ID,
		Username:    account.Username,
		Name:        account.Name,
		Role:        account.Role,
		ExpiresAt:   time.Now().Add(lifespan).Unix(),
	}, nil
}

// destroy current session
func Logout(ctx context.Context) (bool, error) {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return false, errors.New("token is required")
	}
	if err := config.RemoveRedisKey("Token:" + token); err != nil {
		return false, err
	}
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return false, errors.New("user not found")
	}
	if err := config.RemoveRedisSetMember("Tokens:"+username, token); err != nil {
		return false, err
	}
	return true, nil
}

// RevokeSessions drops every Redis session token issued to username.
func RevokeSessions(username string) (int, error) {
	tokens, err := config.GetRedisSetMembers("Tokens:" + username)
	if err != nil {
		return 0, err
	}
	for _, token := range tokens {
		if err := config.RemoveRedisKey("Token:" + token); err != nil {
			return 0, err
		}
	}
	if len(tokens) > 0 {
		if err := config.RemoveRedisKey("Tokens:" + username); err != nil {
			return 0, err
		}
	}
	return len(tokens), nil
}

func (s *Store) GetAccount(ctx context.Context, id int) (*Account, error) {
	var result Account
	if err := s.db(ctx).First(&result, id).Error; err != nil {
		return nil, notFoundOr(err, "account %d not found", id)
	}
	return &result, nil
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	var result Account
	if err := s.db(ctx).Where("username = ?", username).Take(&result).Error; err != nil {
		return nil, notFoundOr(err, "account %q not found", username)
	}
	return &result, nil
}

func (s *Store) GetAccountsByIds(ctx context.Context, ids []int) ([]Account, error) {
	var results []Account
	if len(ids) == 0 {
		return results, nil
	}
	if err := s.db(ctx).Where("id IN ?", ids).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) CreateAccount(ctx context.Context, input *NewAccount) (*Account, error) {
	account, err := PrepareAccount(input)
	if err != nil {
		return nil, err
	}
	if err := s.db(ctx).Create(account).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, utils.ValidationError("duplicate username %q", account.Username)
		}
		return nil, err
	}
	return account, nil
}

func (s *Store) UpdateAccountPassword(ctx context.Context, id int, hashed string) error {
	res := s.db(ctx).Model(&Account{}).Where("id = ?", id).Update("password", hashed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.NotFound("account %d not found", id)
	}
	return nil
}

func (s *Store) ListActiveAccountIds(ctx context.Context, afterId int, limit int) ([]int, error) {
	var ids []int
	err := s.db(ctx).Model(&Account{}).
		Where("is_active = ? AND id > ?", true, afterId).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (s *Store) CountActiveAccounts(ctx context.Context) (int64, error) {
	var count int64
	err := s.db(ctx).Model(&Account{}).Where("is_active = ?", true).Count(&count).Error
	return count, err
}
