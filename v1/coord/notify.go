package coord

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-huddle/v1/registry"
	"github.com/mirkobrombin/go-huddle/v1/transport"
)

// NotifyTimerStateChange records the local timer snapshot and broadcasts it.
func (c *Coordinator) NotifyTimerStateChange(ctx context.Context, state TimerState, snap registry.TimerSnapshot) {
	if !state.Valid() {
		c.log.Warn("unknown timer state", zap.String("state", string(state)))
		return
	}
	c.mu.Lock()
	if !c.activeLocked() {
		c.mu.Unlock()
		return
	}
	c.reg.SetTimer(snap)
	c.mu.Unlock()
	c.broadcast(ctx, transport.TimerChanged, TimerPayload{State: state, Snapshot: snap})
}

// NotifySettingsChange broadcasts a settings change. data is encoded as JSON.
func (c *Coordinator) NotifySettingsChange(ctx context.Context, data any) {
	if !c.isActive() {
		return
	}
	raw, err := encodeData(data)
	if err != nil {
		c.log.Warn("encode settings", zap.Error(err))
		return
	}
	c.broadcast(ctx, transport.SettingsChanged, raw)
}

// NotifyDataUpdate broadcasts an update to the data set named dataType.
func (c *Coordinator) NotifyDataUpdate(ctx context.Context, dataType string, data any) {
	if !c.isActive() {
		return
	}
	raw, err := encodeData(data)
	if err != nil {
		c.log.Warn("encode data update", zap.String("data_type", dataType), zap.Error(err))
		return
	}
	c.broadcast(ctx, transport.DataChanged, DataPayload{DataType: dataType, Data: raw})
}

// SetForeground records the local visibility and broadcasts it when it
// changed. Before Start it only sets the initial value.
func (c *Coordinator) SetForeground(ctx context.Context, fg bool) {
	c.mu.Lock()
	switch c.state {
	case Initializing:
		c.foreground = fg
		c.mu.Unlock()
		return
	case Active:
	default:
		c.mu.Unlock()
		return
	}
	changed := c.foreground != fg
	c.foreground = fg
	c.reg.SetForeground(fg)
	c.mu.Unlock()
	if changed {
		c.broadcast(ctx, transport.FocusChanged, FocusPayload{Foreground: fg})
	}
}

func (c *Coordinator) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func encodeData(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("coord: encode payload: %w", err)
	}
	return raw, nil
}
