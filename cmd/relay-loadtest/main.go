// relay-loadtest drives a running relay with synthetic subscribers and
// publishers and reports throughput. It speaks the same WebSocket frame
// protocol as real subscribers.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type options struct {
	wsURL       string
	publishURL  string
	subscribers int
	rampPerSec  int
	publishRate int
	duration    time.Duration
	topics      []string
	wildcardPct int
}

type counters struct {
	connected   atomic.Int64
	failed      atomic.Int64
	received    atomic.Int64
	published   atomic.Int64
	publishErrs atomic.Int64
}

func parseFlags() *options {
	o := &options{}
	var topics string
	flag.StringVar(&o.wsURL, "ws-url", "ws://127.0.0.1:5000/ws", "relay WebSocket endpoint")
	flag.StringVar(&o.publishURL, "publish-url", "http://127.0.0.1:5000/publish", "relay publish endpoint")
	flag.IntVar(&o.subscribers, "subscribers", 100, "number of subscriber connections")
	flag.IntVar(&o.rampPerSec, "ramp", 50, "new connections per second during ramp")
	flag.IntVar(&o.publishRate, "publish-rate", 100, "messages published per second")
	flag.DurationVar(&o.duration, "duration", 30*time.Second, "sustain duration after ramp")
	flag.StringVar(&topics, "topics", "orders,payments,shipments", "comma separated topic list")
	flag.IntVar(&o.wildcardPct, "wildcard-pct", 10, "percentage of subscribers on the wildcard topic")
	flag.Parse()

	o.topics = strings.Split(topics, ",")
	return o
}

func main() {
	opts := parseFlags()
	c := &counters{}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	var wg sync.WaitGroup

	go report(c, stop)
	go ramp(opts, c, stop, &wg)
	go publishLoop(opts, c, stop)

	select {
	case <-stop:
	case <-time.After(opts.duration + time.Duration(opts.subscribers/max(opts.rampPerSec, 1)+1)*time.Second):
		close(stop)
	}

	wg.Wait()
	fmt.Printf("\nfinal: connected=%d failed=%d published=%d publish_errors=%d received=%d\n",
		c.connected.Load(), c.failed.Load(), c.published.Load(), c.publishErrs.Load(), c.received.Load())
}

func ramp(opts *options, c *counters, stop chan struct{}, wg *sync.WaitGroup) {
	ticker := time.NewTicker(time.Second / time.Duration(max(opts.rampPerSec, 1)))
	defer ticker.Stop()

	for i := 0; i < opts.subscribers; i++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				subscriber(opts, c, id, stop)
			}(i)
		}
	}
}

func subscriber(opts *options, c *counters, id int, stop chan struct{}) {
	conn, _, err := websocket.DefaultDialer.Dial(opts.wsURL, nil)
	if err != nil {
		c.failed.Add(1)
		return
	}
	defer conn.Close()
	c.connected.Add(1)
	defer c.connected.Add(-1)

	topic := opts.topics[id%len(opts.topics)]
	if rand.Intn(100) < opts.wildcardPct {
		topic = "*"
	}

	sub := map[string]any{
		"event": "subscribe",
		"data": map[string]any{
			"consumer": fmt.Sprintf("loadtest-%d", id),
			"topics":   []string{topic},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		c.failed.Add(1)
		return
	}

	go func() {
		<-stop
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var f struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Event == "message" {
			c.received.Add(1)
		}
	}
}

func publishLoop(opts *options, c *counters, stop chan struct{}) {
	if opts.publishRate <= 0 {
		return
	}
	ticker := time.NewTicker(time.Second / time.Duration(opts.publishRate))
	defer ticker.Stop()

	client := &http.Client{Timeout: 5 * time.Second}
	seq := 0

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			seq++
			topic := opts.topics[seq%len(opts.topics)]
			body, _ := json.Marshal(map[string]any{
				"topic":      topic,
				"message_id": uuid.NewString(),
				"message":    map[string]any{"seq": seq, "ts": time.Now().UnixMilli()},
				"producer":   "loadtest-producer",
			})
			resp, err := client.Post(opts.publishURL, "application/json", bytes.NewReader(body))
			if err != nil || resp.StatusCode != http.StatusOK {
				c.publishErrs.Add(1)
				if resp != nil {
					resp.Body.Close()
				}
				continue
			}
			resp.Body.Close()
			c.published.Add(1)
		}
	}
}

func report(c *counters, stop chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastReceived, lastPublished int64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			received := c.received.Load()
			published := c.published.Load()
			fmt.Printf("connected=%d failed=%d publish/s=%.0f recv/s=%.0f total_recv=%d\n",
				c.connected.Load(), c.failed.Load(),
				float64(published-lastPublished)/5,
				float64(received-lastReceived)/5,
				received)
			lastReceived = received
			lastPublished = published
		}
	}
}
