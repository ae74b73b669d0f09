package main

import (
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/rsmtech/servicereport_backend/config"
	"github.com/rsmtech/servicereport_backend/middlewares"
	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/utils"
	"github.com/rsmtech/servicereport_backend/workflow"
)

var registerValidatorsOnce sync.Once

// registerValidators adds the "reportstatus" binding rule (canonical tokens only).
func registerValidators() {
	registerValidatorsOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("reportstatus", func(fl validator.FieldLevel) bool {
				return models.ReportStatus(fl.Field().String()).IsValid()
			})
		}
	})
}

func (app *App) respondError(c *gin.Context, err error) {
	appErr := utils.AsAppError(err)
	body := gin.H{"error": appErr.Message, "kind": appErr.Kind}
	if appErr.Kind == utils.KindConflict && appErr.CurrentStatus != "" {
		body["current_status"] = appErr.CurrentStatus
	}
	if appErr.Kind == utils.KindInternal {
		config.LogError(app.Logger, "server", c.FullPath(), "request failed", nil, err)
		body["error"] = "internal error"
	}
	c.JSON(utils.HTTPStatus(appErr.Kind), body)
}

func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":  "invalid request",
		"kind":   utils.KindValidation,
		"fields": utils.ProcessValidationErrors(err),
	})
}

func currentActor(c *gin.Context) models.Account {
	actor, _ := middlewares.ActorFrom(c.Request.Context())
	return actor
}

func (app *App) transitionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.TransitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
		report, err := app.Executor.Transition(c.Request.Context(), req, currentActor(c))
		if err != nil {
			app.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func (app *App) tagHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.TagRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
		report, delivery, err := app.Executor.ApplyTag(c.Request.Context(), req, currentActor(c))
		if err != nil {
			app.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"report":             report,
			"event_id":           delivery.EventId,
			"notifications_sent": delivery.Created,
			"delivery_pending":   delivery.Pending,
		})
	}
}

func (app *App) getReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			app.respondError(c, utils.ValidationError("invalid report id"))
			return
		}
		report, err := app.Store.GetReport(c.Request.Context(), id)
		if err != nil {
			app.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"report":        report,
			"next_statuses": models.NextStatuses(report.Status),
		})
	}
}

func (app *App) approvalQueueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
		queue, err := app.Executor.ApprovalQueue(c.Request.Context(), currentActor(c), limit)
		if err != nil {
			app.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reports": queue, "count": len(queue)})
	}
}

func (app *App) recentTagsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := models.DefaultRecentTagLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > models.MaxRecentTagLimit {
				app.respondError(c, utils.ValidationError("limit must be between 1 and %d", models.MaxRecentTagLimit))
				return
			}
			limit = n
		}
		reports, err := app.Store.RecentTags(c.Request.Context(), limit)
		if err != nil {
			app.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reports": reports})
	}
}

func (app *App) listNotificationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		unreadOnly := c.Query("unread") == "true" || c.Query("unread") == "1"
		rows, err := app.Store.ListNotifications(c.Request.Context(), currentActor(c).ID, unreadOnly, models.DefaultInboxLimit)
		if err != nil {
			app.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"notifications": rows})
	}
}

func (app *App) markNotificationReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			app.respondError(c, utils.ValidationError("invalid notification id"))
			return
		}
		if err := app.Store.MarkNotificationRead(c.Request.Context(), currentActor(c).ID, id); err != nil {
			app.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "read": true})
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (app *App) loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
		info, err := models.Login(c.Request.Context(), app.Store, req.Username, req.Password)
		if err != nil {
			if errors.Is(err, models.ErrAccountDisabled) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			if !errors.Is(err, models.ErrInvalidCredentials) {
				config.LogError(app.Logger, "server", "loginHandler", "login", req.Username, err)
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": models.ErrInvalidCredentials.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func (app *App) logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := models.Logout(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"logged_out": ok})
	}
}

type eventReplayRequest struct {
	EventId int `json:"event_id" binding:"required,gt=0"`
}

// eventReplayHandler re-queues a FAILED or DEAD outbox event (admin only).
func (app *App) eventReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if currentActor(c).Role != models.UserRoleAdmin {
			app.respondError(c, utils.Forbidden("admin only"))
			return
		}
		var req eventReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}
		if err := app.Store.ReplayEvent(c.Request.Context(), req.EventId); err != nil {
			app.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"event_id": req.EventId, "publish_status": models.EventStatusPending})
	}
}

func (app *App) healthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if app == nil || app.Health == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, app.Health.Status())
	}
}
