// Package webhook terminates GitHub webhook deliveries: signature
// verification, scope checks, rate limiting, and handoff onto the bounded
// intake queue the router drains.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
	"github.com/nbaertsch/squadron-sub002/internal/events"
)

const (
	headerDelivery  = "X-GitHub-Delivery"
	headerEvent     = "X-GitHub-Event"
	headerSignature = "X-Hub-Signature-256"

	maxBodyBytes = 10 << 20 // GitHub caps payloads at 25MB; we take less
)

// Receiver validates deliveries and enqueues them in arrival order.
type Receiver struct {
	secret         []byte
	installationID int64
	repoFullName   string
	queue          chan *events.GitHubEvent
	limiter        *rateLimiter
	logger         *logger.Logger
}

// NewReceiver builds a receiver from config. The queue is bounded; a full
// queue sheds load rather than buffering without limit.
func NewReceiver(cfg *config.Config, log *logger.Logger) *Receiver {
	return &Receiver{
		secret:         []byte(cfg.Webhook.Secret),
		installationID: cfg.Webhook.InstallationID,
		repoFullName:   cfg.Project.FullName(),
		queue:          make(chan *events.GitHubEvent, cfg.Webhook.QueueSize),
		limiter:        newRateLimiter(cfg.Webhook.RatePerMinute),
		logger:         log.WithFields(zap.String("component", "webhook")),
	}
}

// Queue is the channel the router consumes. Deliveries appear in the order
// they were accepted.
func (r *Receiver) Queue() <-chan *events.GitHubEvent {
	return r.queue
}

// Register mounts the webhook endpoint on a gin router group.
func (r *Receiver) Register(router gin.IRouter) {
	router.POST("/webhook", r.handle)
}

func (r *Receiver) handle(c *gin.Context) {
	deliveryID := c.GetHeader(headerDelivery)
	eventType := c.GetHeader(headerEvent)
	signature := c.GetHeader(headerSignature)

	if deliveryID == "" || eventType == "" || signature == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "missing webhook headers"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading body"})
		return
	}

	if !verifySignature(r.secret, body, signature) {
		r.logger.Warn("signature verification failed", zap.String("delivery_id", deliveryID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	ev, err := events.NewGitHubEvent(deliveryID, eventType, body)
	if err != nil {
		r.logger.Warn("malformed payload",
			zap.String("delivery_id", deliveryID),
			zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	// Deliveries from other installations or repositories are rejected, not
	// silently dropped: a 403 shows up in GitHub's delivery log. When
	// scoping is configured, a payload without an installation at all is
	// just as out of scope as one with the wrong id.
	if r.installationID != 0 && ev.InstallationID() != r.installationID {
		c.JSON(http.StatusForbidden, gin.H{"error": "unknown installation"})
		return
	}
	if repo := ev.RepoFullName(); repo != "" && repo != r.repoFullName {
		c.JSON(http.StatusForbidden, gin.H{"error": "repository out of scope"})
		return
	}

	// The limiter counts only authenticated, in-scope deliveries; garbage
	// traffic must not starve the real webhook stream.
	if !r.limiter.Allow() {
		r.logger.Warn("rate limit exceeded", zap.String("delivery_id", deliveryID))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	select {
	case r.queue <- ev:
		c.JSON(http.StatusOK, gin.H{"status": "queued", "delivery_id": deliveryID})
	default:
		r.logger.Error("intake queue full, shedding delivery",
			zap.String("delivery_id", deliveryID))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue full"})
	}
}

// verifySignature checks the sha256= HMAC header in constant time.
func verifySignature(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	expected, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
