package controller

import (
	"sync"

	"sequenceflow/sequence"
	"sequenceflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

const activityBuffer = 64

// ActivityHub fans dispatch and event activity out to websocket subscribers.
// Slow subscribers lose events rather than blocking the publisher.
type ActivityHub struct {
	mu      sync.RWMutex
	clients map[*activityClient]struct{}
	logger  *logrus.Logger
}

type activityClient struct {
	campaignID uint
	send       chan sequence.ActivityEvent
}

func NewActivityHub(logger *logrus.Logger) *ActivityHub {
	return &ActivityHub{
		clients: make(map[*activityClient]struct{}),
		logger:  logger,
	}
}

// Publish implements sequence.ActivityNotifier.
func (h *ActivityHub) Publish(event sequence.ActivityEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.campaignID != 0 && client.campaignID != event.CampaignID {
			continue
		}
		select {
		case client.send <- event:
		default:
		}
	}
}

// Subscribe registers a subscriber for one campaign, or all campaigns when
// campaignID is 0. The returned func unsubscribes and closes the channel.
func (h *ActivityHub) Subscribe(campaignID uint) (<-chan sequence.ActivityEvent, func()) {
	client := &activityClient{
		campaignID: campaignID,
		send:       make(chan sequence.ActivityEvent, activityBuffer),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return client.send, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, client)
			close(client.send)
			h.mu.Unlock()
		})
	}
}

// ClientCount is the number of connected subscribers.
func (h *ActivityHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UpgradeActivityWS only lets websocket upgrade requests through.
func UpgradeActivityWS(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleActivityWS streams activity events as JSON until the client disconnects.
func (h *ActivityHub) HandleActivityWS(c *websocket.Conn) {
	defer c.Close()

	campaignID := utils.ParseUint(c.Query("campaign_id"))
	events, unsubscribe := h.Subscribe(campaignID)
	defer unsubscribe()

	h.logger.WithField("campaign_id", campaignID).Debug("Activity subscriber connected")

	// Reads only detect the client going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(event); err != nil {
				h.logger.WithError(err).Debug("Activity subscriber write failed")
				return
			}
		}
	}
}
