package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/openfroyo/envrun/pkg/engine"
	"github.com/openfroyo/envrun/pkg/telemetry"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// StreamMessage is one websocket frame of a module run stream.
type StreamMessage struct {
	// Type is "log" or "status".
	Type string `json:"type"`

	Log *engine.LogLine   `json:"log,omitempty"`
	Run *engine.ModuleRun `json:"run,omitempty"`
}

// streamLogs upgrades to a websocket that replays persisted log lines after
// the ?after cursor, then follows live lines and status changes until the
// run is terminal or the client goes away.
func (s *Server) streamLogs(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("run")

	run, err := s.engine.Runs.GetModuleRun(ctx, runID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	after, ok := intQuery(c, "after", 0)
	if !ok {
		return
	}

	// Subscribe before the backfill so no line falls between the two.
	subID, events := s.events.SubscribeChannel(telemetry.FilterByModuleRun(runID))
	defer s.events.Unsubscribe(subID)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).WithField("run_id", runID).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.logger.WithModuleRun(runID, run.ModuleID)
	log.Debug("log stream opened")

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.readPump(conn, cancel)

	last := int64(after)
	last, err = s.backfill(streamCtx, conn, runID, last)
	if err != nil {
		log.WithError(err).Debug("log stream backfill failed")
		return
	}

	// A run that finished before the subscription existed has no more events.
	run, err = s.engine.Runs.GetModuleRun(streamCtx, runID)
	if err != nil {
		return
	}
	if run.Status.IsTerminal() {
		if _, err := s.backfill(streamCtx, conn, runID, last); err != nil {
			return
		}
		_ = s.writeFrame(conn, StreamMessage{Type: "status", Run: run})
		s.closeStream(conn)
		return
	}

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-streamCtx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				s.closeStream(conn)
				return
			}
			switch event.Type {
			case telemetry.EventTypeModuleRunLog:
				seq := eventSequence(event)
				if seq <= last {
					continue
				}
				// Lines dropped by a slow subscriber are read back from the store.
				if seq > last+1 {
					if last, err = s.backfill(streamCtx, conn, runID, last); err != nil {
						return
					}
					continue
				}
				stream, _ := event.Data["stream"].(string)
				line := &engine.LogLine{
					RunID:     runID,
					Sequence:  seq,
					Stream:    stream,
					Content:   event.Message,
					CreatedAt: event.Timestamp,
				}
				if err := s.writeFrame(conn, StreamMessage{Type: "log", Log: line}); err != nil {
					return
				}
				last = seq
			case telemetry.EventTypeModuleRunStatus:
				current, err := s.engine.Runs.GetModuleRun(streamCtx, runID)
				if err != nil {
					return
				}
				if err := s.writeFrame(conn, StreamMessage{Type: "status", Run: current}); err != nil {
					return
				}
				if current.Status.IsTerminal() {
					if _, err := s.backfill(streamCtx, conn, runID, last); err != nil {
						return
					}
					s.closeStream(conn)
					log.Debug("log stream closed")
					return
				}
			}
		}
	}
}

// backfill writes every stored line after the cursor and returns the new cursor.
func (s *Server) backfill(ctx context.Context, conn *websocket.Conn, runID string, after int64) (int64, error) {
	for {
		lines, err := s.engine.Runs.ListLogs(ctx, runID, after, engine.DefaultLogPageSize)
		if err != nil {
			return after, err
		}
		for i := range lines {
			if err := s.writeFrame(conn, StreamMessage{Type: "log", Log: &lines[i]}); err != nil {
				return after, err
			}
			after = lines[i].Sequence
		}
		if len(lines) < engine.DefaultLogPageSize {
			return after, nil
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(msg)
}

func (s *Server) closeStream(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
		time.Now().Add(streamWriteWait))
}

// readPump discards client frames and cancels the stream when the client goes away.
func (s *Server) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func eventSequence(event telemetry.Event) int64 {
	switch v := event.Data["sequence"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
