package iec104

import (
	"crypto/tls"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

func NewClientOption(server string) (*ClientOption, error) {
	if len(server) > 0 && server[0] == ':' {
		server = "127.0.0.1" + server
	}
	if !strings.Contains(server, "://") {
		server = "tcp://" + server
	}
	remoteURL, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	o := &ClientOption{
		server:   remoteURL,
		deviceID: remoteURL.Host,
		lg:       _lg,
	}
	if err := o.cfg.Valid(); err != nil {
		return nil, err
	}
	return o, nil
}

type ClientOption struct {
	server *url.URL
	cfg    Config
	tc     *tls.Config
	lg     logrus.FieldLogger

	// dial overrides the scheme-derived dialer; tests inject pipes here.
	dial Dialer

	deviceID string

	onConnect    ConnectionHandler
	onDisconnect ConnectionHandler
	onPoint      PointHandler
}

// ConnectionHandler is invoked from the session goroutine when data transfer
// starts or the connection is lost. It must not block.
type ConnectionHandler func(c *Client)

// PointHandler receives normalized points in arrival order, invoked from the
// session goroutine. It must not block.
type PointHandler func(p NormalizedPoint)

// SetConfig replaces the protocol parameters. The config is validated (and
// defaulted) when the client is created.
func (o *ClientOption) SetConfig(cfg Config) *ClientOption {
	o.cfg = cfg
	return o
}

func (o *ClientOption) SetTLS(tc *tls.Config) *ClientOption {
	o.tc = tc
	return o
}

func (o *ClientOption) SetLogger(lg logrus.FieldLogger) *ClientOption {
	if lg != nil {
		o.lg = lg
	}
	return o
}

// SetDialer overrides how the transport connection is established, replacing
// the URL-scheme based dialer.
func (o *ClientOption) SetDialer(dial Dialer) *ClientOption {
	if dial != nil {
		o.dial = dial
	}
	return o
}

// SetDeviceID sets the identifier stamped on every normalized point. Defaults
// to the server host.
func (o *ClientOption) SetDeviceID(id string) *ClientOption {
	if id != "" {
		o.deviceID = id
	}
	return o
}

func (o *ClientOption) SetOnConnectHandler(handler ConnectionHandler) *ClientOption {
	if handler != nil {
		o.onConnect = handler
	}
	return o
}

func (o *ClientOption) SetOnDisconnectHandler(handler ConnectionHandler) *ClientOption {
	if handler != nil {
		o.onDisconnect = handler
	}
	return o
}

func (o *ClientOption) SetPointHandler(handler PointHandler) *ClientOption {
	if handler != nil {
		o.onPoint = handler
	}
	return o
}
