package transport

import (
	"fmt"
	"net/http"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout       = 30 * time.Second
	publishTimeout       = 10 * time.Second
	connectRetryInterval = 8 * time.Second
)

// PahoConfig configures a broker connection. Headers is re-read on every
// connection attempt so a rotated token takes effect without restarting
// the process.
type PahoConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Headers   func() http.Header
}

// NewPahoDialer builds a Dialer over the paho client. Each dial creates a
// fresh client with fresh credential headers.
func NewPahoDialer(cfg PahoConfig) Dialer {
	return func(cb Callbacks) (Conn, error) {
		if cfg.BrokerURL == "" {
			return nil, fmt.Errorf("broker url is empty")
		}

		opts := pahomqtt.NewClientOptions().
			AddBroker(cfg.BrokerURL).
			SetClientID(cfg.ClientID).
			SetCleanSession(true).
			SetAutoReconnect(true).
			SetConnectRetry(true).
			SetConnectRetryInterval(connectRetryInterval).
			SetOnConnectHandler(func(_ pahomqtt.Client) {
				if cb.OnConnect != nil {
					cb.OnConnect()
				}
			}).
			SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
				if cb.OnConnectionLost != nil {
					cb.OnConnectionLost(err)
				}
			}).
			SetReconnectingHandler(func(_ pahomqtt.Client, o *pahomqtt.ClientOptions) {
				// The retained options keep the headers of the first
				// attempt; refresh them before paho dials again.
				if cfg.Headers != nil {
					o.SetHTTPHeaders(cfg.Headers())
				}
				if cb.OnReconnecting != nil {
					cb.OnReconnecting()
				}
			}).
			SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
				if cb.OnMessage != nil {
					cb.OnMessage(msg.Topic(), msg.Payload())
				}
			})

		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
			opts.SetPassword(cfg.Password)
		}
		if cfg.Headers != nil {
			opts.SetHTTPHeaders(cfg.Headers())
		}

		return &pahoConn{
			client:    pahomqtt.NewClient(opts),
			onMessage: cb.OnMessage,
		}, nil
	}
}

type pahoConn struct {
	client    pahomqtt.Client
	onMessage func(topic string, payload []byte)
}

func (c *pahoConn) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("broker connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	return nil
}

func (c *pahoConn) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish on %s: %w", topic, err)
	}
	return nil
}

func (c *pahoConn) Subscribe(topic string, qos byte) error {
	token := c.client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if c.onMessage != nil {
			c.onMessage(msg.Topic(), msg.Payload())
		}
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe on %s: %w", topic, err)
	}
	return nil
}

func (c *pahoConn) Close() {
	c.client.Disconnect(1000)
}
