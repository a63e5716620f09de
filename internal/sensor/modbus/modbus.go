// Package modbus reads counter values from Modbus/TCP holding registers.
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"

	"prodpulse/internal/sensor"
	logx "prodpulse/pkg/logx"
)

type Config struct {
	Address string // host:port
	SlaveID byte
	Timeout time.Duration
	Sensors []Sensor
}

// Sensor maps a sensor ID to a holding-register window.
// Quantity 1 decodes a uint16, quantity 2 a big-endian uint32.
type Sensor struct {
	ID          string
	Register    uint16
	Quantity    uint16
	Title       string
	MetricUnit  string
	Coefficient float64
	Enabled     bool
}

type Client struct {
	cfg  Config
	log  logx.Logger
	byID map[string]Sensor

	mu        sync.Mutex
	handler   *mb.TCPClientHandler
	client    mb.Client
	connected bool
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	byID := make(map[string]Sensor, len(cfg.Sensors))
	for _, s := range cfg.Sensors {
		if s.Quantity == 0 {
			s.Quantity = 1
		}
		byID[s.ID] = s
	}

	h := mb.NewTCPClientHandler(cfg.Address)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.SlaveID

	return &Client{cfg: cfg, log: log, byID: byID, handler: h, client: mb.NewClient(h)}
}

func (c *Client) Read(ctx context.Context, ref sensor.Ref) (sensor.TitledValue, error) {
	s, ok := c.byID[ref.ID]
	if !ok {
		return sensor.TitledValue{}, fmt.Errorf("%w: modbus sensor %q", sensor.ErrUnknownSensor, ref.ID)
	}
	if !s.Enabled {
		return sensor.TitledValue{}, sensor.ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return sensor.TitledValue{}, err
	}

	// The handler is not safe for concurrent use; reads are serialized.
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		if err := c.handler.Connect(); err != nil {
			return sensor.TitledValue{}, fmt.Errorf("modbus connect %s: %w", c.cfg.Address, err)
		}
		c.log.Debug("modbus connection opened", logx.String("address", c.cfg.Address))
		c.connected = true
	}

	raw, err := c.client.ReadHoldingRegisters(s.Register, s.Quantity)
	if err != nil {
		_ = c.handler.Close()
		c.connected = false
		return sensor.TitledValue{}, fmt.Errorf("modbus read reg %d: %w", s.Register, err)
	}

	value, err := decodeRegisters(raw, s.Quantity)
	if err != nil {
		return sensor.TitledValue{}, fmt.Errorf("modbus read reg %d: %w", s.Register, err)
	}

	return sensor.TitledValue{
		Title:      s.Title,
		Value:      sensor.Coefficient(s.Coefficient) * value,
		MetricUnit: s.MetricUnit,
	}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.handler.Close()
}

func decodeRegisters(raw []byte, quantity uint16) (float64, error) {
	switch {
	case quantity == 1 && len(raw) >= 2:
		return float64(binary.BigEndian.Uint16(raw)), nil
	case quantity >= 2 && len(raw) >= 4:
		return float64(binary.BigEndian.Uint32(raw)), nil
	default:
		return 0, fmt.Errorf("short register payload: %d bytes for quantity %d", len(raw), quantity)
	}
}
