package syncapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/config"
	"bitbucket.org/mmdatafocus/barops_backend/models"
	"bitbucket.org/mmdatafocus/barops_backend/utils"
	"bitbucket.org/mmdatafocus/barops_backend/workflow"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := resolveCaller(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := caller.authorizeTenant(req.TenantId); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		if req.ForceOverride && !caller.isAdmin() {
			c.JSON(http.StatusForbidden, gin.H{"error": "forceOverride requires admin role"})
			return
		}

		windowStart, err := parseWindowTime(req.WindowStart)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid windowStart"})
			return
		}
		windowEnd, err := parseWindowTime(req.WindowEnd)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid windowEnd"})
			return
		}

		ctx := utils.SetTenantIdInContext(c.Request.Context(), req.TenantId)
		run, noop, err := workflow.TriggerRun(ctx, config.GetDB(), workflow.TriggerInput{
			TenantId:      req.TenantId,
			SourceSystem:  models.SourceSystem(req.SourceSystem),
			DataType:      models.DataType(req.DataType),
			WindowStart:   windowStart,
			WindowEnd:     windowEnd,
			Force:         req.Force,
			ForceOverride: req.ForceOverride,
			TriggeredBy:   models.SyncTriggeredManual,
		})
		if err != nil {
			if errors.Is(err, workflow.ErrInvalidTrigger) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, TriggerSyncResponse{SyncRunId: run.ID, Status: run.Status, Noop: noop})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := resolveCaller(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var run models.SyncRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := caller.authorizeTenant(run.TenantId); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, mapRunToResponse(run))
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := resolveCaller(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		tenantId, err := caller.resolveTenantParam(c)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var runs []models.SyncRun
		if err := db.Where("tenant_id = ?", tenantId).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

// RetrySyncRunHandler re-triggers a terminal run with the same key, recording
// the retry lineage. In-flight runs cannot be retried; the single-flight
// reservation would reject the duplicate anyway.
func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := resolveCaller(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var run models.SyncRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := caller.authorizeTenant(run.TenantId); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if !models.IsTerminalRunStatus(run.Status) {
			c.JSON(http.StatusConflict, gin.H{"error": "run is still in flight"})
			return
		}

		ctx := utils.SetTenantIdInContext(c.Request.Context(), run.TenantId)
		parentId := run.ID
		newRun, noop, err := workflow.TriggerRun(ctx, config.GetDB(), workflow.TriggerInput{
			TenantId:     run.TenantId,
			SourceSystem: run.SourceSystem,
			DataType:     run.DataType,
			WindowStart:  run.WindowStart,
			WindowEnd:    run.WindowEnd,
			TriggeredBy:  models.SyncTriggeredRetry,
			ParentRunId:  &parentId,
		})
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, TriggerSyncResponse{SyncRunId: newRun.ID, Status: newRun.Status, Noop: noop})
	}
}

func ValidationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := resolveCaller(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		tenantId, err := caller.resolveTenantParam(c)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		date, err := time.Parse("2006-01-02", strings.TrimSpace(c.Query("date")))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date is required (2006-01-02)"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		results, err := models.LatestValidationPerCheck(db, tenantId, date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": results})
	}
}

func AnomaliesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := resolveCaller(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		tenantId, err := caller.resolveTenantParam(c)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		q := db.Where("tenant_id = ?", tenantId)
		switch strings.ToLower(strings.TrimSpace(c.Query("resolved"))) {
		case "true":
			q = q.Where("status = ?", models.AnomalyStatusResolved)
		case "false", "":
			q = q.Where("status = ?", models.AnomalyStatusOpen)
		}

		var anomalies []models.Anomaly
		if err := q.Order("id desc").Limit(200).Find(&anomalies).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": anomalies})
	}
}

// LockOverrideHandler records an audited manual override for a locked date.
// Admin only; the audit row is the authorization trail for any follow-up
// forced re-sync.
func LockOverrideHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := resolveCaller(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !caller.isAdmin() {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}

		tenantId := strings.TrimSpace(c.Param("tenant_id"))
		date, err := time.Parse("2006-01-02", strings.TrimSpace(c.Param("date")))
		if err != nil || tenantId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant or date"})
			return
		}

		var req LockOverrideRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := utils.SetTenantIdInContext(c.Request.Context(), tenantId)
		db := config.GetDB().WithContext(ctx)

		var lock models.HistoricalLock
		if err := db.Where("tenant_id = ? AND locked_date = ?", tenantId, date.Format("2006-01-02")).
			Take(&lock).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no lock for that date"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		override := models.LockOverride{
			TenantId:   tenantId,
			LockedDate: date,
			Actor:      caller.username,
			Reason:     req.Reason,
		}
		if err := models.RecordLockOverride(db, &override); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		config.GetLogger().WithField("field", "LockOverride").
			WithField("tenant_id", tenantId).
			WithField("locked_date", date.Format("2006-01-02")).
			WithField("actor", caller.username).
			Warn("historical lock override recorded")
		c.JSON(http.StatusOK, gin.H{"id": override.ID})
	}
}

func SweepLocksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := resolveCaller(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !caller.isAdmin() {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}

		// Body is optional; a missing one means default retention.
		var req SweepLocksRequest
		_ = c.ShouldBindJSON(&req)
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := workflow.SweepLocks(c.Request.Context(), config.GetDB(), req.RetentionDays, caller.username)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type apiCaller struct {
	username string
	user     models.User
}

func (a apiCaller) isAdmin() bool {
	return a.user.Role == models.UserRoleAdmin
}

func (a apiCaller) authorizeTenant(tenantId string) error {
	if tenantId == "" {
		return errors.New("tenant_id is required")
	}
	if a.isAdmin() || a.user.TenantId == tenantId {
		return nil
	}
	return errors.New("forbidden")
}

// resolveTenantParam picks the effective tenant: an explicit tenant_id query
// (admins may address any tenant) or the caller's own.
func (a apiCaller) resolveTenantParam(c *gin.Context) (string, error) {
	tenantId := strings.TrimSpace(c.Query("tenant_id"))
	if tenantId == "" {
		tenantId = a.user.TenantId
	}
	if err := a.authorizeTenant(tenantId); err != nil {
		return "", err
	}
	return tenantId, nil
}

func resolveCaller(c *gin.Context) (apiCaller, error) {
	username, ok := utils.GetUsernameFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(username) == "" {
		return apiCaller{}, errors.New("unauthorized")
	}
	user, err := lookupUser(c.Request.Context(), username)
	if err != nil {
		return apiCaller{}, err
	}
	return apiCaller{username: username, user: user}, nil
}

func lookupUser(ctx context.Context, username string) (models.User, error) {
	var user models.User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err == nil && exists {
		return user, nil
	}
	db := config.GetDB()
	if db == nil {
		return user, errors.New("db is nil")
	}
	if err := db.WithContext(utils.SetSkipTenantScopeInContext(ctx, true)).
		Model(&models.User{}).
		Where("username = ?", username).
		Take(&user).Error; err != nil {
		return user, errors.New("unauthorized")
	}
	_ = config.SetRedisObject("User:"+username, user, 10*time.Minute)
	return user, nil
}

func parseWindowTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}
