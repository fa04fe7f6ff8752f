package telegram

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"safety-guardian/internal/models"
)

// Notifier delivers escalation texts to the configured emergency contact
// through the Telegram bot API. Sends are queued and rate limited so a
// burst of triggers cannot flood the contact.
type Notifier struct {
	config    *models.TelegramConfig
	apiBase   string
	queue     chan string
	client    *http.Client
	rateLimit time.Duration
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewNotifier creates a new Telegram notifier
func NewNotifier(config *models.TelegramConfig) (*Notifier, error) {
	rateLimit, err := time.ParseDuration(config.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid rate_limit: %v", err)
	}

	return &Notifier{
		config:    config,
		apiBase:   "https://api.telegram.org",
		queue:     make(chan string, config.QueueSize),
		client:    &http.Client{Timeout: 10 * time.Second},
		rateLimit: rateLimit,
	}, nil
}

// Start begins processing the notification queue
func (n *Notifier) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go n.processQueue(ctx)
	log.Printf("[Telegram] Notifier started (rate_limit=%s, queue_size=%d)", n.rateLimit, n.config.QueueSize)
}

// Stop gracefully shuts down the notifier
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	log.Println("[Telegram] Notifier stopped")
}

// Notify enqueues a text for sending (non-blocking)
func (n *Notifier) Notify(text string) {
	select {
	case n.queue <- text:
	default:
		log.Printf("[Telegram] Queue full, dropping message")
	}
}

func (n *Notifier) processQueue(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.rateLimit)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.queue:
			if err := n.sendToTelegram(text); err != nil {
				log.Printf("[Telegram] Failed to send: %v", err)
			}
			// Rate limit: wait for next tick before processing more
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

func (n *Notifier) sendToTelegram(text string) error {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.config.BotToken)

	resp, err := n.client.PostForm(apiURL, url.Values{
		"chat_id": {n.config.ChatID},
		"text":    {text},
	})
	if err != nil {
		return fmt.Errorf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Telegram API returned status %d", resp.StatusCode)
	}

	log.Printf("[Telegram] Escalation message sent")
	return nil
}
