// Package control implements the inbound command path: a background MQTT
// listener that decodes wire payloads into typed commands and applies them
// to the prompt store, fully decoupled from the coordinator loop.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/segstream/internal/config"
	"github.com/care/segstream/internal/prompt"
)

// Response is a command acknowledgment published on the events topic.
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Callbacks contains coordinator hooks for the operator commands that are
// not prompt mutations.
type Callbacks struct {
	OnGetStatus          func() map[string]interface{}
	OnSetRefreshInterval func(ticks int) error
	OnShutdown           func() error
}

// Handler subscribes to the control topic and applies decoded commands to
// the prompt store in delivery order. It never blocks on the video loop:
// the MQTT callback only enqueues, a dedicated goroutine applies.
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	store     *prompt.Store
	callbacks Callbacks

	// Working resolution for normalized→pixel scaling.
	width  int
	height int

	commands chan Command

	wg      sync.WaitGroup
	started atomic.Bool

	applied      uint64
	unrecognized uint64
	dropped      uint64
}

// NewHandler creates a control handler. The prompt store is injected; the
// handler holds no prompt state of its own.
func NewHandler(cfg *config.Config, client mqtt.Client, store *prompt.Store, callbacks Callbacks) *Handler {
	width, height := cfg.Resolution()
	return &Handler{
		cfg:       cfg,
		client:    client,
		store:     store,
		callbacks: callbacks,
		width:     width,
		height:    height,
		commands:  make(chan Command, 32),
	}
}

// Start subscribes to the control topic and launches the apply goroutine.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control topic", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control subscription failed: %w", err)
	}

	h.started.Store(true)

	h.wg.Add(1)
	go h.processCommands(ctx)

	slog.Info("control handler started")
	return nil
}

// Stop unsubscribes, drains the listener and joins it with a bounded wait.
func (h *Handler) Stop() error {
	if !h.started.CompareAndSwap(true, false) {
		return nil
	}

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}

	close(h.commands)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("control handler stop timeout, listener may still be draining")
	}

	slog.Info("control handler stopped",
		"applied", atomic.LoadUint64(&h.applied),
		"unrecognized", atomic.LoadUint64(&h.unrecognized),
		"dropped", atomic.LoadUint64(&h.dropped),
	)
	return nil
}

// Stats returns handler counters for status reporting.
func (h *Handler) Stats() (applied, unrecognized, dropped uint64) {
	return atomic.LoadUint64(&h.applied),
		atomic.LoadUint64(&h.unrecognized),
		atomic.LoadUint64(&h.dropped)
}

// messageHandler runs on paho's router goroutine; it must not block.
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	cmd := Decode(msg.Payload())

	select {
	case h.commands <- cmd:
	default:
		atomic.AddUint64(&h.dropped, 1)
		slog.Warn("command queue full, dropping command", "command", cmd.Kind.String())
	}
}

// processCommands applies queued commands in delivery order.
func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.Apply(cmd)
		}
	}
}

// Apply executes one decoded command against the store or the coordinator
// callbacks and publishes an acknowledgment. Exported so tests can drive
// the dispatch without a broker.
func (h *Handler) Apply(cmd Command) {
	resp := Response{CommandAck: cmd.Kind.String(), Status: "success"}

	switch cmd.Kind {
	case KindSetMode:
		h.store.SetMode(cmd.Mode)
		resp.Data = map[string]interface{}{"mode": string(cmd.Mode)}

	case KindAddPoint:
		px := int(cmd.X * float64(h.width))
		py := int(cmd.Y * float64(h.height))
		if err := h.store.AddPoint(px, py, cmd.Label); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Data = map[string]interface{}{"x": px, "y": py, "label": cmd.Label}

	case KindSetBox:
		x1 := int(cmd.X1 * float64(h.width))
		y1 := int(cmd.Y1 * float64(h.height))
		x2 := int(cmd.X2 * float64(h.width))
		y2 := int(cmd.Y2 * float64(h.height))
		h.store.SetBox(x1, y1, x2, y2)
		resp.Data = map[string]interface{}{"box": []int{x1, y1, x2, y2}}

	case KindClear:
		h.store.Clear()

	case KindGetStatus:
		if h.callbacks.OnGetStatus == nil {
			resp.Status = "error"
			resp.Error = "get_status not available"
			break
		}
		resp.Data = h.callbacks.OnGetStatus()

	case KindSetRefreshInterval:
		if h.callbacks.OnSetRefreshInterval == nil {
			resp.Status = "error"
			resp.Error = "set_refresh_interval not available"
			break
		}
		if err := h.callbacks.OnSetRefreshInterval(cmd.Ticks); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Data = map[string]interface{}{"refresh_interval": cmd.Ticks}

	case KindShutdown:
		if h.callbacks.OnShutdown == nil {
			resp.Status = "error"
			resp.Error = "shutdown not available"
			break
		}
		slog.Warn("shutdown command received on control topic")
		resp.Data = map[string]interface{}{"shutdown_initiated": true}
		// Ack first, then trigger shutdown asynchronously so the ack has a
		// chance to leave before the client disconnects.
		h.sendResponse(resp)
		go func() {
			time.Sleep(500 * time.Millisecond)
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("shutdown callback failed", "error", err)
			}
		}()
		return

	case KindUnrecognized:
		atomic.AddUint64(&h.unrecognized, 1)
		slog.Warn("unrecognized control message", "payload", cmd.Raw)
		resp.Status = "error"
		resp.Error = "unrecognized command"
	}

	if cmd.Kind != KindUnrecognized && resp.Status == "success" {
		atomic.AddUint64(&h.applied, 1)
	}
	h.sendResponse(resp)
}

// sendResponse publishes an acknowledgment on the events topic. Publish
// failures are logged and dropped: the control path must stay responsive
// even when the reverse path is down.
func (h *Handler) sendResponse(resp Response) {
	if h.client == nil {
		return
	}

	resp.Timestamp = time.Now().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal command response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Events
	if topic == "" {
		return
	}
	qos := h.cfg.MQTT.QoS["events"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("command response publish timeout")
		return
	}
	if err := token.Error(); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		slog.Error("failed to publish command response", "error", err)
	}
}
