package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type streamMessage struct {
	Type   string           `json:"type"`
	ScanID int64            `json:"scan_id"`
	Status types.ScanStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
	Report *scanResponse    `json:"report,omitempty"`
}

func newUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == "*" || strings.TrimSuffix(o, "/") == origin {
					return true
				}
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}
}

// streamScan pushes status changes for one scan over a websocket and sends
// the full report once the scan reaches a terminal status.
func (h *handler) streamScan(c *gin.Context) {
	ctx, cancel := requestContext(c)
	report := h.loadOwnedReport(c, ctx)
	cancel()
	if report == nil {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.FromContext(c.Request.Context()).Debugw("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	scanID := report.Scan.ID
	log := logger.FromContext(c.Request.Context()).WithScanID(scanID)

	// The reader only exists to notice the client going away and to
	// process pong frames.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(msg streamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	poll := time.NewTicker(h.streamInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var last types.ScanStatus
	for {
		if report.Scan.Status != last {
			last = report.Scan.Status
			msg := streamMessage{
				Type:   "status",
				ScanID: scanID,
				Status: last,
				Error:  report.Scan.ErrorMessage,
			}
			if last.IsTerminal() {
				resp := newScanResponse(report)
				msg.Type = "report"
				msg.Report = &resp
			}
			if err := send(msg); err != nil {
				log.Debugw("Websocket write failed", "error", err)
				return
			}
			if last.IsTerminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scan finished"),
					time.Now().Add(writeWait))
				return
			}
		}

		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		case <-poll.C:
		}

		pctx, pcancel := context.WithTimeout(context.Background(), requestTimeout)
		next, err := h.store.GetScanReport(pctx, scanID)
		pcancel()
		if err != nil {
			log.LogError(c.Request.Context(), err, "api.streamScan")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "failed to load scan"),
				time.Now().Add(writeWait))
			return
		}
		report = next
	}
}
