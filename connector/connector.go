// Package connector adapts the IEC 104 protocol engine to a gateway
// platform: telemetry flows out as normalized points, attribute updates and
// server-side RPCs flow in as control commands.
package connector

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/scadakit/iec104"
)

// Config describes one connector instance: which station to talk to and how
// platform keys map onto its information objects.
type Config struct {
	// Name identifies the connector instance in logs and RPC results.
	Name string
	// Server is the station endpoint URL, e.g. "tcp://10.0.0.5:2404".
	Server string
	// Device is the identifier stamped on published points. Defaults to
	// Name.
	Device string
	// Protocol holds the IEC 104 parameters; zero value means defaults.
	Protocol iec104.Config
	// Points maps attribute/RPC keys onto controllable addresses.
	Points []PointMapping

	TLS *tls.Config

	// Dialer overrides the transport; tests inject in-memory pipes.
	Dialer iec104.Dialer
}

/*
Connector drives one station through one iec104.Client and bridges it to a
Gateway. Open starts the connection lifecycle; from then on the engine
reconnects on its own until Close.
*/
type Connector struct {
	cfg      Config
	gw       Gateway
	lg       logrus.FieldLogger
	client   *iec104.Client
	mappings mappingTable
}

func New(cfg Config, gw Gateway, lg logrus.FieldLogger) (*Connector, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("connector name is required")
	}
	if cfg.Device == "" {
		cfg.Device = cfg.Name
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	lg = lg.WithField("connector", cfg.Name)

	mappings, err := buildMappings(cfg.Points)
	if err != nil {
		return nil, err
	}

	option, err := iec104.NewClientOption(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	option.SetConfig(cfg.Protocol).
		SetDeviceID(cfg.Device).
		SetLogger(lg)
	if cfg.TLS != nil {
		option.SetTLS(cfg.TLS)
	}
	if cfg.Dialer != nil {
		option.SetDialer(cfg.Dialer)
	}
	option.SetPointHandler(gw.PublishPoint)

	client, err := iec104.NewClient(option)
	if err != nil {
		return nil, err
	}
	return &Connector{
		cfg:      cfg,
		gw:       gw,
		lg:       lg,
		client:   client,
		mappings: mappings,
	}, nil
}

func (c *Connector) Name() string { return c.cfg.Name }

func (c *Connector) Type() string { return "IEC104" }

// Open starts the connection lifecycle in the background.
func (c *Connector) Open() error { return c.client.Connect() }

// Close stops the engine; pending commands fail with iec104.ErrClosed.
func (c *Connector) Close() error { return c.client.Close() }

func (c *Connector) IsConnected() bool { return c.client.IsConnected() }

// SendCommand executes one mapped command, blocking until the station
// terminates or rejects it.
func (c *Connector) SendCommand(key string, value interface{}) error {
	m, ok := c.mappings[key]
	if !ok {
		return fmt.Errorf("no point mapping for key %q", key)
	}
	v, err := toFloat(value)
	if err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	return c.client.SendCommand(iec104.CommandRequest{
		DeviceID:  c.cfg.Device,
		Address:   m.Address,
		Type:      m.Command,
		Value:     v,
		Qualifier: m.Qualifier,
	})
}

/*
OnAttributesUpdate applies a batch of shared attribute changes as commands,
one per mapped key, in map iteration order. Unmapped keys are skipped with a
warning; command failures are collected and returned joined so one bad point
does not mask the others.
*/
func (c *Connector) OnAttributesUpdate(attrs map[string]interface{}) error {
	var errs []error
	for key, value := range attrs {
		m, ok := c.mappings[key]
		if !ok {
			c.lg.Warnf("attribute %q has no point mapping, skipped", key)
			continue
		}
		v, err := toFloat(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("attribute %q: %w", key, err))
			continue
		}
		if err := c.client.SendCommand(iec104.CommandRequest{
			DeviceID:  c.cfg.Device,
			Address:   m.Address,
			Type:      m.Command,
			Value:     v,
			Qualifier: m.Qualifier,
		}); err != nil {
			errs = append(errs, fmt.Errorf("attribute %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

/*
OnServerSideRPC handles a platform RPC. The method "interrogate" triggers a
general interrogation; any other method is looked up in the point mappings
and executed as a command with the "value" parameter. The outcome is
reported through the gateway.
*/
func (c *Connector) OnServerSideRPC(requestID int64, method string, params map[string]interface{}) {
	var err error
	switch method {
	case "interrogate":
		err = c.client.SendGeneralInterrogation()
	case "counterInterrogate":
		err = c.client.SendCounterInterrogation()
	default:
		err = c.SendCommand(method, params["value"])
	}

	payload := map[string]interface{}{"success": err == nil}
	if err != nil {
		payload["error"] = err.Error()
		c.lg.WithError(err).Warnf("rpc %q failed", method)
	}
	c.gw.ReportRPCResult(requestID, c.cfg.Device, payload)
}
