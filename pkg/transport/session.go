// intranet-messenger - A sync engine for the intranet messenger client.
// Copyright (C) 2026 twbeatles
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package transport owns the push connection: websocket lifecycle with
// backoff reconnection, the batched room resubscribe, outbound command
// writes and the history HTTP API.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/twbeatles/intranet-messenger/pkg/event"
)

type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Status is the connectivity indicator surfaced to the UI layer. Attempt is
// only meaningful while reconnecting.
type Status struct {
	State   State
	Attempt int
}

const (
	readLimit    = 4 * 1024 * 1024
	writeTimeout = 10 * time.Second

	backoffFactor = 1.6
)

type Config struct {
	Log   zerolog.Logger
	URL   string
	Token string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// OnEvent receives every decoded inbound push event.
	OnEvent func(event.Event)
	// OnStatus is called on every connectivity transition.
	OnStatus func(Status)
	// OnConnect runs after the batched resubscribe on every successful
	// connection. reconnect is false only for the very first one.
	OnConnect func(reconnect bool)
	// RoomIDs supplies the rooms to resubscribe, in one call.
	RoomIDs func() []int64
}

// Session is one logical push connection. A dropped connection is retried
// with exponential backoff until MaxAttempts, then surfaced as a persistent
// failure.
type Session struct {
	log zerolog.Logger
	cfg Config

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	everConnected bool
	cancel        context.CancelFunc
	done          chan struct{}
}

func NewSession(cfg Config) *Session {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Session{
		log: cfg.Log.With().Str("component", "session").Logger(),
		cfg: cfg,
	}
}

// Connect starts the connection loop in the background.
func (s *Session) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		if err := s.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Err(err).Msg("Connection loop ended")
		}
	}()
}

// Disconnect tears the connection down and stops reconnecting.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	conn := s.conn
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	<-done
}

// Send marshals and writes one outbound command. Returns false without
// blocking when no connection is established; nothing is queued.
func (s *Session) Send(cmd string, payload any) bool {
	s.mu.Lock()
	conn, connected := s.conn, s.connected
	s.mu.Unlock()
	if !connected || conn == nil {
		return false
	}
	frame, err := event.Marshal(cmd, payload)
	if err != nil {
		s.log.Err(err).Str("command", cmd).Msg("Failed to marshal command")
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err = conn.Write(ctx, websocket.MessageText, frame); err != nil {
		s.log.Warn().Err(err).Str("command", cmd).Msg("Command write failed")
		return false
	}
	return true
}

func (s *Session) run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := s.dial(ctx)
		if err != nil {
			attempt++
			if attempt >= s.cfg.MaxAttempts {
				s.setStatus(Status{State: StateFailed, Attempt: attempt})
				return fmt.Errorf("giving up after %d connection attempts: %w", attempt, err)
			}
			delay := s.backoffDelay(attempt)
			s.log.Warn().Err(err).
				Int("attempt", attempt).
				Dur("retry_in", delay).
				Msg("Connection attempt failed")
			s.setStatus(Status{State: StateReconnecting, Attempt: attempt})
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		s.mu.Lock()
		reconnect := s.everConnected
		s.everConnected = true
		s.conn = conn
		s.connected = true
		s.mu.Unlock()
		attempt = 0
		s.log.Info().Bool("reconnect", reconnect).Msg("Connected")
		s.setStatus(Status{State: StateConnected})

		s.subscribeRooms()
		if s.cfg.OnConnect != nil {
			s.cfg.OnConnect(reconnect)
		}

		readErr := s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.connected = false
		s.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn().Err(readErr).Msg("Connection lost")
		attempt = 1
		s.setStatus(Status{State: StateReconnecting, Attempt: attempt})
		if !sleepCtx(ctx, s.backoffDelay(attempt)) {
			return ctx.Err()
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	//nolint:bodyclose // websocket.Dial closes the response body internally
	conn, _, err := websocket.Dial(ctx, s.cfg.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.log.Debug().Int("bytes", len(data)).Msg("Ignoring binary frame")
			continue
		}
		ev, err := event.Decode(data)
		if err != nil {
			if errors.Is(err, event.ErrUnknownType) {
				s.log.Debug().
					Str("event_name", gjson.GetBytes(data, "event").Str).
					Msg("Ignoring unknown event")
			} else {
				s.log.Warn().Err(err).Msg("Failed to decode event")
			}
			continue
		}
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(ev)
		}
	}
}

// subscribeRooms re-subscribes to every known room in one batched call. One
// call per room would stampede the server on every reconnect.
func (s *Session) subscribeRooms() {
	if s.cfg.RoomIDs == nil {
		return
	}
	ids := s.cfg.RoomIDs()
	if len(ids) == 0 {
		return
	}
	if !s.Send(event.CmdSubscribeRooms, map[string]any{"room_ids": ids}) {
		s.log.Warn().Int("rooms", len(ids)).Msg("Room resubscribe failed")
	}
}

func (s *Session) setStatus(status Status) {
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(status)
	}
}

// backoffDelay grows geometrically from BaseDelay and is capped at MaxDelay.
func (s *Session) backoffDelay(attempt int) time.Duration {
	delay := float64(s.cfg.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= backoffFactor
		if delay >= float64(s.cfg.MaxDelay) {
			return s.cfg.MaxDelay
		}
	}
	if delay > float64(s.cfg.MaxDelay) {
		return s.cfg.MaxDelay
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
