package ingress

import (
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/catalog"
	"github.com/zulandar/switchyard/internal/engine"
	"github.com/zulandar/switchyard/internal/gateway"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/msglog"
	"gorm.io/gorm"
)

type handlers struct {
	engine   *engine.Engine
	db       *gorm.DB
	catalog  *catalog.Loader
	sessions SessionCounter
	token    string
}

// registerRoutes sets up all ingress routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.health)

	v1 := router.Group("/v1", h.auth)
	v1.POST("/inbound/sms", h.inbound(func(c *gin.Context) (gateway.Event, error) {
		var ev gateway.SMSEvent
		err := c.ShouldBindJSON(&ev)
		return ev, err
	}))
	v1.POST("/inbound/ussd", h.inbound(func(c *gin.Context) (gateway.Event, error) {
		var ev gateway.USSDEvent
		err := c.ShouldBindJSON(&ev)
		return ev, err
	}))
	v1.POST("/receipts", h.receipt)
	v1.GET("/messages", h.messages)
}

func (h *handlers) auth(c *gin.Context) {
	if h.token == "" {
		c.Next()
		return
	}
	got := c.GetHeader(TokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing " + TokenHeader})
		return
	}
	c.Next()
}

// inbound runs a decoded event through the engine. Transient failures answer
// 503 so the gateway redelivers the same event.
func (h *handlers) inbound(decode func(*gin.Context) (gateway.Event, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ev, err := decode(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := h.engine.HandleEvent(c.Request.Context(), ev)
		switch {
		case err == nil:
		case errors.Is(err, gateway.ErrInvalidEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case errors.Is(err, engine.ErrTransient):
			c.Header("Retry-After", "1")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		default:
			log.Printf("ingress: inbound: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		body := gin.H{
			"outcome":    res.Outcome,
			"message_id": res.MessageID,
		}
		if res.FlowID != "" {
			body["flow_id"] = res.FlowID
			body["node_id"] = res.NodeID
		}
		if res.DispatchErr != nil {
			body["dispatch_error"] = res.DispatchErr.Error()
		}
		c.JSON(http.StatusOK, body)
	}
}

func (h *handlers) receipt(c *gin.Context) {
	var r gateway.Receipt
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := h.engine.OnReceipt(c.Request.Context(), r)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": msg.ID, "status": msg.Status})
	case errors.Is(err, gateway.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, msglog.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, msglog.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Printf("ingress: receipt: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type messageRow struct {
	ID            uint      `json:"id"`
	Direction     string    `json:"direction"`
	Channel       string    `json:"channel"`
	Phone         string    `json:"phone"`
	Text          string    `json:"text"`
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlation_id"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (h *handlers) messages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	msgs, total, err := msglog.List(c.Request.Context(), h.db, msglog.ListOpts{
		Phone:     c.Query("phone"),
		Channel:   c.Query("channel"),
		Direction: c.Query("direction"),
		Status:    c.Query("status"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		log.Printf("ingress: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	rows := make([]messageRow, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, toRow(m))
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "messages": rows})
}

func toRow(m models.Message) messageRow {
	return messageRow{
		ID:            m.ID,
		Direction:     m.Direction,
		Channel:       m.Channel,
		Phone:         m.Phone,
		Text:          m.Text,
		Status:        m.Status,
		CorrelationID: m.CorrelationID,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
	}
}

// health reports database reachability, live sessions and catalog problems.
// A broken catalog does not fail the check; affected channels answer with
// the fallback reply.
func (h *handlers) health(c *gin.Context) {
	ctx := c.Request.Context()
	body := gin.H{"status": "ok"}

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}

	if h.sessions != nil {
		if n, err := h.sessions.Count(ctx); err == nil {
			body["sessions"] = n
		}
	}
	if h.catalog != nil {
		if snap, err := h.catalog.Snapshot(ctx); err == nil {
			problems := []string{}
			for _, cerr := range snap.Errors() {
				problems = append(problems, cerr.Error())
			}
			body["catalog_errors"] = problems
		}
	}
	c.JSON(http.StatusOK, body)
}
