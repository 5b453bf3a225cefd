package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"pixelverse-relay/protocol"
	"pixelverse-relay/relayclient"
)

type botResult struct {
	name    string
	id      string
	peers   int
	chats   int
	latency time.Duration
	err     error
}

type botConfig struct {
	wsURL    string
	clients  int
	codec    protocol.Codec
	duration time.Duration
	rate     int
}

func main() {
	wsURL := flag.String("ws", "ws://localhost:8080/ws", "relay websocket url")
	clientCount := flag.Int("clients", 4, "number of bot clients")
	codecName := flag.String("codec", "json", "wire codec: json or msgpack")
	duration := flag.Duration("duration", 10*time.Second, "how long the bots walk")
	rate := flag.Int("rate", 20, "state updates per second per bot")
	flag.Parse()

	err := run(botConfig{
		wsURL:    *wsURL,
		clients:  *clientCount,
		codec:    protocol.CodecByName(*codecName),
		duration: *duration,
		rate:     *rate,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay-bot: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("relay-bot: all bots saw their peers")
}

// run dials every bot, walks them and reports. Bots dialed before a
// failure are closed before it returns.
func run(cfg botConfig) error {
	if cfg.clients < 2 {
		return errors.New("clients must be >= 2")
	}
	if cfg.rate < 1 {
		cfg.rate = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration+10*time.Second)
	defer cancel()

	bots := make([]*relayclient.Client, 0, cfg.clients)
	defer func() {
		for _, b := range bots {
			b.Close()
		}
	}()
	for i := 0; i < cfg.clients; i++ {
		name := fmt.Sprintf("bot-%d", i+1)
		c, err := relayclient.Dial(ctx, cfg.wsURL, relayclient.Options{Name: name, Codec: cfg.codec})
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		bots = append(bots, c)
	}

	// Everyone must see everyone else before walking.
	want := cfg.clients - 1
	for i, b := range bots {
		if err := waitForPeers(ctx, b, want); err != nil {
			return fmt.Errorf("bot-%d: %w", i+1, err)
		}
	}

	results := make([]botResult, len(bots))
	var wg sync.WaitGroup
	for i, b := range bots {
		wg.Add(1)
		go func(i int, b *relayclient.Client) {
			defer wg.Done()
			results[i] = walk(ctx, b, fmt.Sprintf("bot-%d", i+1), i, cfg.duration, cfg.rate)
		}(i, b)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		status := "ok"
		if r.err != nil {
			status = r.err.Error()
			failed++
		} else if r.peers < want {
			status = fmt.Sprintf("saw %d peers, want %d", r.peers, want)
			failed++
		}
		log.Printf("%s id=%s peers=%d chats=%d latency=%s: %s", r.name, r.id, r.peers, r.chats, r.latency, status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d bots failed", failed, len(results))
	}
	return nil
}

// walk moves a bot around a circle, interpolating its mirror at 60fps and
// chatting once per second.
func walk(ctx context.Context, c *relayclient.Client, name string, index int, d time.Duration, rate int) botResult {
	res := botResult{name: name, id: c.ID()}

	character := map[string]any{"body": "default", "color": fmt.Sprintf("#%06x", (index*0x3f5a7b)&0xffffff)}
	if err := c.SendCharacter(name, character); err != nil {
		res.err = err
		return res
	}
	if err := c.SendEquipment(map[string]string{"hand": "torch"}); err != nil {
		res.err = err
		return res
	}

	send := time.NewTicker(time.Second / time.Duration(rate))
	defer send.Stop()
	frame := time.NewTicker(time.Second / relayclient.ReferenceFPS)
	defer frame.Stop()
	chat := time.NewTicker(time.Second)
	defer chat.Stop()

	radius := 3 + float64(index)
	phase := float64(index) * math.Pi / 4
	start := time.Now()
	last := start
	deadline := time.After(d)

	for {
		select {
		case <-ctx.Done():
			res.err = ctx.Err()
			return res
		case <-deadline:
			res.peers = len(c.Remotes())
			res.latency = c.Latency()
			return res
		case <-c.Done():
			res.err = fmt.Errorf("connection closed: %v", c.Err())
			return res
		case evt := <-c.Events():
			if evt.Chat != nil {
				res.chats++
			}
		case now := <-frame.C:
			c.Advance(now.Sub(last))
			last = now
		case <-chat.C:
			if err := c.SendChat(fmt.Sprintf("%s checking in", name)); err != nil {
				res.err = err
				return res
			}
		case now := <-send.C:
			angle := phase + now.Sub(start).Seconds()
			pos := protocol.Vec3{X: radius * math.Cos(angle), Z: radius * math.Sin(angle)}
			rot := protocol.Vec3{Y: relayclient.NormalizeAngle(angle + math.Pi/2)}
			if err := c.SendState(pos, rot, protocol.StateWalk); err != nil {
				res.err = err
				return res
			}
		}
	}
}

func waitForPeers(ctx context.Context, c *relayclient.Client, want int) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(c.Remotes()) >= want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("saw %d of %d peers: %w", len(c.Remotes()), want, ctx.Err())
		case <-c.Done():
			return fmt.Errorf("connection closed: %v", c.Err())
		case <-ticker.C:
		}
	}
}
