package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/danmuck/meshbridge/internal/bridge"
	"github.com/danmuck/meshbridge/internal/hostlink"
	"github.com/gorilla/websocket"
	"github.com/pterm/pterm"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7373", "bridge host-link address")
	wsURL := flag.String("ws", "ws://127.0.0.1:8088/events", "bridge admin websocket url")
	timeout := flag.Duration("timeout", 3*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	args := flag.Args()
	var err error
	switch {
	case len(args) == 1 && args[0] == "monitor":
		err = monitor(ctx, *addr)
	case len(args) == 1 && args[0] == "watch":
		err = watch(ctx, *wsURL)
	default:
		err = request(ctx, *addr, *timeout, args)
	}
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usage)
		}
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func request(ctx context.Context, addr string, timeout time.Duration, args []string) error {
	msg, err := buildCommand(args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := hostlink.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer c.Close()

	reply, err := c.Request(ctx, msg)
	if err != nil {
		return err
	}
	return render(reply)
}

func render(m hostlink.Message) error {
	switch m.Type {
	case hostlink.RespInfo:
		info, err := hostlink.DecodeInfo(m)
		if err != nil {
			return err
		}
		return pterm.DefaultTable.WithHasHeader().WithData(infoRows(info)).Render()
	case hostlink.RespStats:
		stats, err := hostlink.DecodeStats(m)
		if err != nil {
			return err
		}
		return pterm.DefaultTable.WithHasHeader().WithData(statsRows(stats)).Render()
	case hostlink.RespError:
		return errors.New(string(m.Payload))
	default:
		pterm.Success.Println(describeEvent(m))
		return nil
	}
}

// monitor prints every asynchronous host-link message until ctx ends.
func monitor(ctx context.Context, addr string) error {
	c, err := hostlink.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
	pterm.Info.Println("monitoring " + addr)
	for {
		m, err := c.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch m.Type {
		case hostlink.RespError:
			pterm.DefaultLogger.Error(describeEvent(m))
		case hostlink.RespDebugLog:
			pterm.DefaultLogger.Debug(describeEvent(m))
		default:
			pterm.DefaultLogger.Info(describeEvent(m))
		}
	}
}

// watch prints admin websocket events until ctx ends.
func watch(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	pterm.Info.Println("watching " + url)
	for {
		var ev bridge.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		line := fmt.Sprintf("%s %s", ev.Kind, ev.Protocol)
		if ev.Kind == "rx_packet" {
			line += fmt.Sprintf(" rssi=%d snr=%d len=%d %s", ev.RSSI, ev.SNR, ev.Length, ev.Data)
		} else {
			line += " " + ev.Text
		}
		if ev.Kind == "error" {
			pterm.DefaultLogger.Error(line)
			continue
		}
		pterm.DefaultLogger.Info(line)
	}
}
