// Package opc reads sensor values over OPC UA.
package opc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"prodpulse/internal/sensor"
	logx "prodpulse/pkg/logx"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint string
	Timeout  time.Duration
	Sensors  []Sensor
}

// Sensor maps a sensor ID to a monitored node.
type Sensor struct {
	ID          string
	NodeID      string
	Title       string
	MetricUnit  string
	Coefficient float64
	Enabled     bool
}

// Client is a lazily-connected OPC UA reader. Reads are serialized; the
// session is dropped and redialed after a failed read.
type Client struct {
	cfg  Config
	log  logx.Logger
	byID map[string]Sensor

	mu   sync.Mutex
	conn *opcua.Client
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	byID := make(map[string]Sensor, len(cfg.Sensors))
	for _, s := range cfg.Sensors {
		byID[s.ID] = s
	}
	return &Client{cfg: cfg, log: log, byID: byID}
}

func (c *Client) Read(ctx context.Context, ref sensor.Ref) (sensor.TitledValue, error) {
	s, ok := c.byID[ref.ID]
	if !ok {
		return sensor.TitledValue{}, fmt.Errorf("%w: opc sensor %q", sensor.ErrUnknownSensor, ref.ID)
	}
	if !s.Enabled {
		return sensor.TitledValue{}, sensor.ErrDisabled
	}

	nodeID, err := ua.ParseNodeID(s.NodeID)
	if err != nil {
		return sensor.TitledValue{}, fmt.Errorf("parse node id %q: %w", s.NodeID, err)
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connLocked(ctx)
	if err != nil {
		return sensor.TitledValue{}, err
	}

	req := &ua.ReadRequest{
		MaxAge:             0,
		TimestampsToReturn: ua.TimestampsToReturnNeither,
		NodesToRead: []*ua.ReadValueID{
			{NodeID: nodeID, AttributeID: ua.AttributeIDValue},
		},
	}
	resp, err := conn.Read(ctx, req)
	if err != nil {
		c.dropLocked(ctx)
		return sensor.TitledValue{}, fmt.Errorf("opc read %q: %w", s.NodeID, err)
	}
	if len(resp.Results) == 0 || resp.Results[0] == nil {
		return sensor.TitledValue{}, fmt.Errorf("opc read %q: empty result", s.NodeID)
	}
	dv := resp.Results[0]
	if dv.Status != ua.StatusOK {
		return sensor.TitledValue{}, fmt.Errorf("opc read %q: status %s", s.NodeID, dv.Status)
	}
	if dv.Value == nil {
		return sensor.TitledValue{}, fmt.Errorf("opc read %q: nil value", s.NodeID)
	}

	raw, err := coerceFloat(dv.Value.Value())
	if err != nil {
		return sensor.TitledValue{}, fmt.Errorf("opc read %q: %w", s.NodeID, err)
	}

	return sensor.TitledValue{
		Title:      s.Title,
		Value:      sensor.Coefficient(s.Coefficient) * raw,
		MetricUnit: s.MetricUnit,
	}, nil
}

func (c *Client) connLocked(ctx context.Context) (*opcua.Client, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := opcua.NewClient(c.cfg.Endpoint,
		opcua.SecurityMode(ua.MessageSecurityModeNone),
		opcua.SecurityPolicy("None"),
	)
	if err != nil {
		return nil, fmt.Errorf("opc new client: %w", err)
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opc connect %s: %w", c.cfg.Endpoint, err)
	}
	c.log.Debug("opc session opened", logx.String("endpoint", c.cfg.Endpoint))
	c.conn = conn
	return conn, nil
}

func (c *Client) dropLocked(ctx context.Context) {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close(ctx)
	c.conn = nil
}

func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(ctx)
	c.conn = nil
	return err
}

func coerceFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("non-numeric value %T", v)
	}
}
