package middlewares

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rsmtech/servicereport_backend/config"
	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/utils"
)

const (
	actorKey = ctxKey("actor")
	// AccountCacheTTL bounds how long a role or is_active change made outside
	// the service (no RemoveInstanceRedis) can go unnoticed.
	AccountCacheTTL = time.Minute
)

// ActorMiddleware turns the authenticated identity (JWT user id or session username)
// into the acting account. Requests without credentials pass through anonymous.
func ActorMiddleware(accounts models.AccountRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var (
			account *models.Account
			err     error
		)
		if userId, ok := utils.GetUserIdFromContext(ctx); ok && userId > 0 {
			account, err = cachedAccount(ctx, accounts, userId)
		} else if username, ok := utils.GetUsernameFromContext(ctx); ok && username != "" {
			account, err = accounts.GetAccountByUsername(ctx, username)
		} else {
			c.Next()
			return
		}
		if err != nil || account == nil || !account.Active() {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx = utils.SetUserIdInContext(ctx, account.ID)
		ctx = utils.SetUsernameInContext(ctx, account.Username)
		ctx = utils.SetUserRoleInContext(ctx, string(account.Role))
		ctx = context.WithValue(ctx, actorKey, *account)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func cachedAccount(ctx context.Context, accounts models.AccountRepository, id int) (*models.Account, error) {
	var account models.Account
	exists, err := config.GetRedisObject(models.AccountCacheKey(id), &account)
	if err == nil && exists {
		return &account, nil
	}
	result, err := accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	// cache failures only cost a DB read next time
	_ = config.SetRedisObject(models.AccountCacheKey(id), result, AccountCacheTTL)
	return result, nil
}

// ActorFrom returns the acting account placed by ActorMiddleware.
func ActorFrom(ctx context.Context) (models.Account, bool) {
	actor, ok := ctx.Value(actorKey).(models.Account)
	return actor, ok
}

// RequireActor rejects anonymous requests.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := ActorFrom(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}
