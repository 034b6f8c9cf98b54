package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkrell/bonfire/internal/config"
	"github.com/mkrell/bonfire/internal/cycle"
	"github.com/mkrell/bonfire/internal/decomp"
	"github.com/mkrell/bonfire/internal/dispatch"
	"github.com/mkrell/bonfire/internal/ledger"
	"github.com/mkrell/bonfire/internal/models"
	"github.com/mkrell/bonfire/internal/session"
	"github.com/mkrell/bonfire/internal/stepgen"
)

// deps bundles the engines the handlers run against.
type deps struct {
	store   *session.Store
	coins   *ledger.Ledger
	cycles  *cycle.Engine
	tasks   *decomp.Engine
	gen     stepgen.Generator
	rewards config.RewardsConfig
}

// registerRoutes sets up the JSON API on the Gin router.
func registerRoutes(router *gin.Engine, auth Authenticator, d deps) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", requireIdentity(auth))

	cycles := api.Group("/cycles")
	cycles.POST("", handleCreateCycle(d))
	cycles.POST("/:id/pause", handleCycleTransition(d, "pause"))
	cycles.POST("/:id/resume", handleCycleTransition(d, "resume"))
	cycles.POST("/:id/cancel", handleCycleTransition(d, "cancel"))
	cycles.POST("/:id/complete", handleCompleteCycle(d))

	tasks := api.Group("/tasks")
	tasks.POST("", handleCreateTask(d))
	tasks.POST("/:id/start", handleStartTask(d))
	tasks.POST("/:id/advance", handleAdvanceTask(d, false))
	tasks.POST("/:id/complete", handleAdvanceTask(d, true))
	tasks.POST("/:id/pause", handleTaskTransition(d, "pause"))
	tasks.POST("/:id/resume", handleTaskTransition(d, "resume"))
	tasks.POST("/:id/cancel", handleTaskTransition(d, "cancel"))

	api.GET("/sessions/active", handleActiveSessions(d))
	api.GET("/sessions", handleListSessions(d))

	rewards := api.Group("/rewards")
	rewards.POST("/grant", handleGrant(d))
	rewards.POST("/spend", handleSpend(d))
	rewards.GET("/balance", handleBalance(d))
	rewards.GET("/ledger", handleLedger(d))
	rewards.POST("/daily-login", handleDailyLogin(d))

	api.POST("/hooks/item-completed", handleItemCompleted(d))
}

// writeError maps engine sentinels onto stable machine-readable kinds.
func writeError(c *gin.Context, err error) {
	var status int
	var kind string
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrInvalidTransition):
		status, kind = http.StatusConflict, "invalid_transition"
	case errors.Is(err, session.ErrConflictingActiveSession):
		status, kind = http.StatusConflict, "conflicting_active_session"
	case errors.Is(err, session.ErrStoreConflict):
		status, kind = http.StatusConflict, "store_conflict"
	case errors.Is(err, decomp.ErrNoMoreSteps):
		status, kind = http.StatusConflict, "no_more_steps"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status, kind = http.StatusConflict, "insufficient_balance"
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrUnknownReason):
		status, kind = http.StatusBadRequest, "bad_request"
	default:
		status, kind = http.StatusInternalServerError, "internal"
	}
	c.JSON(status, gin.H{"kind": kind, "error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"kind": "bad_request", "error": msg})
}

// ownedSession verifies the path's session belongs to the caller before an
// engine touches it. Foreign sessions answer 404, same as missing ones, so
// ids leak nothing across owners.
func ownedSession(c *gin.Context, d deps, id string) bool {
	sess, err := d.store.Get(id)
	if err != nil {
		writeError(c, err)
		return false
	}
	if sess.OwnerID != identityFrom(c).UserID {
		c.JSON(http.StatusNotFound, gin.H{"kind": "not_found", "error": "session not found"})
		return false
	}
	return true
}

type createCycleRequest struct {
	Label          string `json:"label"`
	Color          string `json:"color"`
	Phase          string `json:"phase"`
	PlannedSeconds int64  `json:"planned_seconds"`
	CycleGroupID   string `json:"cycle_group_id"`
	CyclePosition  int    `json:"cycle_position"`
}

func handleCreateCycle(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createCycleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ident := identityFrom(c)
		sess, err := d.cycles.CreatePhase(ident.UserID, req.Label, req.Color,
			req.Phase, req.PlannedSeconds, req.CycleGroupID, req.CyclePosition)
		if err != nil {
			if errors.Is(err, session.ErrConflictingActiveSession) {
				writeError(c, err)
			} else {
				badRequest(c, err.Error())
			}
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session": toSessionView(sess, time.Now())})
	}
}

func handleCycleTransition(d deps, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !ownedSession(c, d, id) {
			return
		}
		var sess *models.Session
		var err error
		switch action {
		case "pause":
			sess, err = d.cycles.Pause(id)
		case "resume":
			sess, err = d.cycles.Resume(id)
		case "cancel":
			sess, err = d.cycles.Cancel(id)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": toSessionView(sess, time.Now())})
	}
}

func handleCompleteCycle(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !ownedSession(c, d, id) {
			return
		}
		res, err := d.cycles.Complete(id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session":         toSessionView(res.Session, time.Now()),
			"elapsed_seconds": res.ElapsedSeconds,
			"cycle_completed": res.CycleCompleted,
			"reward_granted":  res.RewardGranted,
			"already_granted": res.AlreadyGranted,
			"balance":         res.Balance,
		})
	}
}

type createTaskRequest struct {
	Label        string            `json:"label"`
	Color        string            `json:"color"`
	Steps        []decomp.StepPlan `json:"steps"`
	Generate     bool              `json:"generate"`
	Goal         string            `json:"goal"`
	TotalSeconds int64             `json:"total_seconds"`
}

func handleCreateTask(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		steps := req.Steps
		if req.Generate {
			if req.Goal == "" {
				badRequest(c, "goal is required when generate is set")
				return
			}
			var err error
			steps, err = stepgen.GenerateWithFallback(c.Request.Context(), d.gen,
				req.Goal, req.TotalSeconds, req.Steps)
			if err != nil {
				badRequest(c, err.Error())
				return
			}
		}
		ident := identityFrom(c)
		sess, err := d.tasks.Create(ident.UserID, req.Label, req.Color, steps)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session": toSessionView(sess, time.Now())})
	}
}

func handleStartTask(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !ownedSession(c, d, id) {
			return
		}
		sess, err := d.tasks.Start(id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": toSessionView(sess, time.Now())})
	}
}

// handleAdvanceTask serves both advance and complete. Complete insists the
// session is on its final step.
func handleAdvanceTask(d deps, final bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !ownedSession(c, d, id) {
			return
		}
		var res *decomp.AdvanceResult
		var err error
		if final {
			res, err = d.tasks.Complete(id)
		} else {
			res, err = d.tasks.Advance(id)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		body := gin.H{
			"session":         toSessionView(res.Session, time.Now()),
			"done":            res.Done,
			"reward_granted":  res.RewardGranted,
			"already_granted": res.AlreadyGranted,
			"balance":         res.Balance,
		}
		if res.Step != nil {
			body["step"] = stepView{
				Name:           res.Step.Name,
				PlannedSeconds: res.Step.PlannedSeconds,
				Order:          res.Step.Order,
				Completed:      res.Step.Completed,
				CompletedAt:    res.Step.CompletedAt,
			}
		}
		if res.Metrics != nil {
			body["metrics"] = res.Metrics
		}
		c.JSON(http.StatusOK, body)
	}
}

func handleTaskTransition(d deps, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !ownedSession(c, d, id) {
			return
		}
		var sess *models.Session
		var err error
		switch action {
		case "pause":
			sess, err = d.tasks.Pause(id)
		case "resume":
			sess, err = d.tasks.Resume(id)
		case "cancel":
			sess, err = d.tasks.Cancel(id)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": toSessionView(sess, time.Now())})
	}
}

// handleActiveSessions returns the caller's running or paused sessions. With
// ?kind= the search narrows to that kind; otherwise both kinds are checked.
func handleActiveSessions(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := identityFrom(c)
		kinds := []string{models.KindFocusCycle, models.KindDecomposed}
		if k := c.Query("kind"); k != "" {
			if k != models.KindFocusCycle && k != models.KindDecomposed {
				badRequest(c, "unknown kind "+k)
				return
			}
			kinds = []string{k}
		}
		now := time.Now()
		views := make([]sessionView, 0, len(kinds))
		for _, k := range kinds {
			sess, err := d.store.Active(ident.UserID, k)
			if err != nil {
				writeError(c, err)
				return
			}
			if sess != nil {
				views = append(views, toSessionView(sess, now))
			}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": views})
	}
}

func handleListSessions(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var from, to time.Time
		var err error
		if v := c.Query("from"); v != "" {
			if from, err = time.Parse(time.RFC3339, v); err != nil {
				badRequest(c, "from: "+err.Error())
				return
			}
		}
		if v := c.Query("to"); v != "" {
			if to, err = time.Parse(time.RFC3339, v); err != nil {
				badRequest(c, "to: "+err.Error())
				return
			}
		}
		ident := identityFrom(c)
		sessions, err := d.store.ListByOwner(ident.UserID, from, to)
		if err != nil {
			writeError(c, err)
			return
		}
		now := time.Now()
		views := make([]sessionView, 0, len(sessions))
		for i := range sessions {
			views = append(views, toSessionView(&sessions[i], now))
		}
		c.JSON(http.StatusOK, gin.H{"sessions": views})
	}
}

type grantRequest struct {
	Reason      string `json:"reason"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func handleGrant(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req grantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ident := identityFrom(c)
		res, err := d.coins.Grant(ident.UserID, req.Reason, req.Amount, req.Description)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entry":           toEntryView(res.Entry),
			"already_granted": res.AlreadyGranted,
			"balance":         res.Balance,
		})
	}
}

type spendRequest struct {
	Reason      string `json:"reason"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func handleSpend(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req spendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if req.Reason == "" {
			req.Reason = models.ReasonItemPurchase
		}
		ident := identityFrom(c)
		res, err := d.coins.Spend(ident.UserID, req.Amount, req.Reason, req.Description)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entry":   toEntryView(res.Entry),
			"balance": res.Balance,
		})
	}
}

func handleBalance(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := identityFrom(c)
		balance, err := d.coins.Balance(ident.UserID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"owner_id": ident.UserID,
			"balance":  balance,
			"premium":  ident.Premium,
		})
	}
}

func handleLedger(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
		ident := identityFrom(c)
		entries, total, err := d.coins.List(ident.UserID, page, pageSize)
		if err != nil {
			writeError(c, err)
			return
		}
		views := make([]entryView, 0, len(entries))
		for i := range entries {
			views = append(views, toEntryView(&entries[i]))
		}
		c.JSON(http.StatusOK, gin.H{
			"entries":   views,
			"total":     total,
			"page":      page,
			"page_size": pageSize,
		})
	}
}

func handleDailyLogin(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := identityFrom(c)
		res, err := d.coins.Grant(ident.UserID, models.ReasonDailyLogin,
			d.rewards.DailyLogin, "daily login")
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entry":           toEntryView(res.Entry),
			"already_granted": res.AlreadyGranted,
			"balance":         res.Balance,
		})
	}
}

type itemCompletedRequest struct {
	ItemType      string `json:"item_type"`
	RemainingOpen int    `json:"remaining_open"`
}

// reportedSource answers a single hook call with the caller-reported count
// of still-open items. Reminder polling never goes through it.
type reportedSource struct {
	open int
}

func (r reportedSource) OpenCount(string, string, time.Time) (int, error) {
	return r.open, nil
}

func (r reportedSource) DueReminders(time.Time) ([]dispatch.Reminder, error) {
	return nil, nil
}

// handleItemCompleted is the webhook the task and reminder apps call after
// each item completion. The daily reward lands only on the call that closes
// the owner's last open item of that type.
func handleItemCompleted(d deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req itemCompletedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		ident := identityFrom(c)
		disp := dispatch.New(reportedSource{open: req.RemainingOpen}, d.coins, d.rewards)
		res, err := disp.OnItemCompleted(ident.UserID, req.ItemType, time.Now())
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		if res == nil {
			c.JSON(http.StatusOK, gin.H{"granted": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"granted":         !res.AlreadyGranted,
			"already_granted": res.AlreadyGranted,
			"balance":         res.Balance,
		})
	}
}
