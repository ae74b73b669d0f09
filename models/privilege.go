package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rsmtech/servicereport_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PrivilegeGrant widens the default role matrix for one user and one capability.
// Revocation flips Active and clears ActiveKey; rows are never deleted.
type PrivilegeGrant struct {
	ID         int        `gorm:"primary_key" json:"id"`
	UserId     int        `gorm:"not null;index:idx_privilege_user_cap" json:"user_id"`
	Capability Capability `gorm:"size:32;not null;index:idx_privilege_user_cap" json:"capability"`
	GrantedBy  int        `gorm:"not null" json:"granted_by"`
	GrantedAt  time.Time  `gorm:"not null" json:"granted_at"`
	Active     bool       `gorm:"not null;default:true;index" json:"active"`
	RevokedBy  *int       `json:"revoked_by"`
	RevokedAt  *time.Time `json:"revoked_at"`
	// ActiveKey is "<user_id>:<capability>" while active and NULL once revoked,
	// so the unique index admits one active grant per pair.
	ActiveKey *string `gorm:"size:64;uniqueIndex" json:"-"`
}

type PrivilegeInput struct {
	UserId     int    `json:"user_id" binding:"required,gt=0"`
	Capability string `json:"capability" binding:"required"`
}

// PrivilegeView is a grant joined with the usernames of grantee and grantor.
type PrivilegeView struct {
	PrivilegeGrant
	Username      string `json:"username"`
	GrantedByName string `json:"granted_by_name"`
	RevokedByName string `json:"revoked_by_name,omitempty"`
}

func PrivilegeActiveKey(userId int, capability Capability) string {
	return fmt.Sprintf("%d:%s", userId, capability)
}

func NewPrivilegeGrant(userId int, capability Capability, grantedBy int, at time.Time) PrivilegeGrant {
	key := PrivilegeActiveKey(userId, capability)
	return PrivilegeGrant{
		UserId:     userId,
		Capability: capability,
		GrantedBy:  grantedBy,
		GrantedAt:  at,
		Active:     true,
		ActiveKey:  &key,
	}
}

func (s *Store) GrantPrivilege(ctx context.Context, userId int, capability Capability, grantedBy int) (*PrivilegeGrant, error) {
	if !capability.IsValid() {
		return nil, utils.ValidationError("malformed capability %q", capability)
	}
	if _, err := s.GetAccount(ctx, userId); err != nil {
		return nil, err
	}
	grant := NewPrivilegeGrant(userId, capability, grantedBy, time.Now().UTC())
	if err := s.db(ctx).Create(&grant).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, utils.NewError(utils.KindAlreadyGranted, "user %d already holds %q", userId, capability)
		}
		return nil, err
	}
	return &grant, nil
}

func (s *Store) RevokePrivilege(ctx context.Context, userId int, capability Capability, revokedBy int) (*PrivilegeGrant, error) {
	if !capability.IsValid() {
		return nil, utils.ValidationError("malformed capability %q", capability)
	}
	var grant PrivilegeGrant
	err := s.db(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("active_key = ?", PrivilegeActiveKey(userId, capability)).
			Take(&grant).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.NewError(utils.KindGrantNotFound, "user %d holds no active %q grant", userId, capability)
			}
			return err
		}
		now := time.Now().UTC()
		grant.Active = false
		grant.ActiveKey = nil
		grant.RevokedBy = &revokedBy
		grant.RevokedAt = &now
		return tx.Model(&PrivilegeGrant{}).Where("id = ?", grant.ID).Updates(map[string]interface{}{
			"active":     false,
			"active_key": nil,
			"revoked_by": revokedBy,
			"revoked_at": now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

func (s *Store) HasActivePrivilege(ctx context.Context, userId int, capability Capability) (bool, error) {
	var count int64
	err := s.db(ctx).Model(&PrivilegeGrant{}).
		Where("active_key = ?", PrivilegeActiveKey(userId, capability)).
		Count(&count).Error
	return count > 0, err
}

func (s *Store) ListActivePrivileges(ctx context.Context) ([]PrivilegeGrant, error) {
	var results []PrivilegeGrant
	err := s.db(ctx).Where("active = ?", true).Order("user_id ASC, capability ASC").Find(&results).Error
	return results, err
}

func (s *Store) ListUserPrivileges(ctx context.Context, userId int) ([]PrivilegeGrant, error) {
	var results []PrivilegeGrant
	err := s.db(ctx).Where("user_id = ? AND active = ?", userId, true).Order("capability ASC").Find(&results).Error
	return results, err
}

func (s *Store) ListAllPrivileges(ctx context.Context) ([]PrivilegeGrant, error) {
	var results []PrivilegeGrant
	err := s.db(ctx).Order("id ASC").Find(&results).Error
	return results, err
}
