package main

import (
	"strings"
	"sync"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
)

const presenceTopicPrefix = "presence."

// presenceEvent is published for every enter/leave that changed a server's
// presence set.
type presenceEvent struct {
	Server string    `msgpack:"server"`
	Actor  string    `msgpack:"actor"`
	Kind   string    `msgpack:"kind"`
	Count  int       `msgpack:"count"`
	At     time.Time `msgpack:"at"`
}

type presencePublisher interface {
	Publish(evt presenceEvent)
	Close()
}

type nopPresencePublisher struct{}

func (nopPresencePublisher) Publish(presenceEvent) {}
func (nopPresencePublisher) Close()                {}

// zmqPresencePublisher fans presence events out on a PUB socket. ZMQ sockets
// are not goroutine safe, so all sends share one mutex.
type zmqPresencePublisher struct {
	addr string

	mu      sync.Mutex
	sock    *zmq4.Socket
	failing bool
}

func newPresencePublisher(addr string) (presencePublisher, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nopPresencePublisher{}, nil
	}
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		return nil, err
	}
	// Drop rather than queue without bound when subscribers stall.
	if err := sock.SetSndhwm(1000); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Bind(addr); err != nil {
		sock.Close()
		return nil, err
	}
	logger.Info("presence feed listening", "addr", addr)
	return &zmqPresencePublisher{addr: addr, sock: sock}, nil
}

func encodePresenceEvent(evt presenceEvent) (topic string, payload []byte, err error) {
	payload, err = msgpack.Marshal(evt)
	if err != nil {
		return "", nil, err
	}
	return presenceTopicPrefix + evt.Server, payload, nil
}

func (p *zmqPresencePublisher) Publish(evt presenceEvent) {
	topic, payload, err := encodePresenceEvent(evt)
	if err != nil {
		logger.Warn("encode presence event failed", "server", evt.Server, "error", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sock == nil {
		return
	}
	if _, err := p.sock.SendMessageDontwait(topic, payload); err != nil {
		if !p.failing {
			logger.Warn("presence feed send failed", "addr", p.addr, "error", err)
		}
		p.failing = true
		return
	}
	p.failing = false
}

func (p *zmqPresencePublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sock != nil {
		_ = p.sock.Close()
		p.sock = nil
	}
}
