package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rsmtech/servicereport_backend/middlewares"
	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/models/reports"
	"github.com/rsmtech/servicereport_backend/utils"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// requireGrantAuthority returns Forbidden unless the actor may manage privileges.
func requireGrantAuthority(actor models.Account) error {
	if !models.CanManagePrivileges(actor.Role) {
		return utils.Forbidden("role %s may not manage privileges", actor.Role)
	}
	return nil
}

// bindPrivilegeInput parses {user_id, capability}; an unknown capability is a ValidationError.
func bindPrivilegeInput(c *gin.Context) (int, models.Capability, bool) {
	var input models.PrivilegeInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return 0, "", false
	}
	capability, err := models.ParseCapability(input.Capability)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": utils.KindValidation})
		return 0, "", false
	}
	return input.UserId, capability, true
}

func (app *App) grantPrivilegeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := currentActor(c)
		if err := requireGrantAuthority(actor); err != nil {
			app.respondError(c, err)
			return
		}
		userId, capability, ok := bindPrivilegeInput(c)
		if !ok {
			return
		}
		grant, err := app.Store.GrantPrivilege(c.Request.Context(), userId, capability, actor.ID)
		if err != nil {
			app.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, grant)
	}
}

func (app *App) revokePrivilegeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := currentActor(c)
		if err := requireGrantAuthority(actor); err != nil {
			app.respondError(c, err)
			return
		}
		userId, capability, ok := bindPrivilegeInput(c)
		if !ok {
			return
		}
		grant, err := app.Store.RevokePrivilege(c.Request.Context(), userId, capability, actor.ID)
		if err != nil {
			app.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, grant)
	}
}

// privilegeViews joins grants with account usernames through the request's dataloader.
func privilegeViews(ctx context.Context, grants []models.PrivilegeGrant) []models.PrivilegeView {
	var ids []int
	for _, g := range grants {
		ids = append(ids, g.UserId, g.GrantedBy)
		if g.RevokedBy != nil {
			ids = append(ids, *g.RevokedBy)
		}
	}
	names := middlewares.AccountNames(ctx, utils.UniqueSlice(ids))

	views := make([]models.PrivilegeView, 0, len(grants))
	for _, g := range grants {
		v := models.PrivilegeView{
			PrivilegeGrant: g,
			Username:       names[g.UserId],
			GrantedByName:  names[g.GrantedBy],
		}
		if g.RevokedBy != nil {
			v.RevokedByName = names[*g.RevokedBy]
		}
		views = append(views, v)
	}
	return views
}

func (app *App) listPrivilegesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireGrantAuthority(currentActor(c)); err != nil {
			app.respondError(c, err)
			return
		}
		grants, err := app.Store.ListActivePrivileges(c.Request.Context())
		if err != nil {
			app.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"privileges": privilegeViews(c.Request.Context(), grants)})
	}
}

func (app *App) myPrivilegesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := currentActor(c)
		grants, err := app.Store.ListUserPrivileges(c.Request.Context(), actor.ID)
		if err != nil {
			app.respondError(c, err)
			return
		}
		capabilities := make([]models.Capability, 0, len(grants))
		for _, g := range grants {
			capabilities = append(capabilities, g.Capability)
		}
		c.JSON(http.StatusOK, gin.H{
			"user_id":      actor.ID,
			"role":         actor.Role,
			"capabilities": capabilities,
			"privileges":   grants,
		})
	}
}

func (app *App) exportPrivilegesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := requireGrantAuthority(currentActor(c)); err != nil {
			app.respondError(c, err)
			return
		}
		grants, err := app.Store.ListAllPrivileges(c.Request.Context())
		if err != nil {
			app.respondError(c, err)
			return
		}
		var buf bytes.Buffer
		if err := reports.WritePrivilegeAudit(&buf, privilegeViews(c.Request.Context(), grants)); err != nil {
			app.respondError(c, utils.Internal(err, "render privilege export"))
			return
		}
		filename := fmt.Sprintf("privileges-%s.xlsx", time.Now().UTC().Format("20060102"))
		c.Header("Content-Disposition", "attachment; filename="+filename)
		c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
	}
}
