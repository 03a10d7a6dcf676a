package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/AndrisJefimovs/cal-sync/internal/calsync"
)

const wsWriteTimeout = 10 * time.Second

// ReportHub fans finished cycle reports out to websocket subscribers. Slow
// subscribers drop reports rather than stalling the cycle that produced
// them.
type ReportHub struct {
	mu          sync.Mutex
	subscribers map[chan calsync.Report]struct{}
}

func NewReportHub() *ReportHub {
	return &ReportHub{subscribers: map[chan calsync.Report]struct{}{}}
}

func (h *ReportHub) Broadcast(report calsync.Report) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- report:
		default:
		}
	}
}

func (h *ReportHub) subscribe() chan calsync.Report {
	ch := make(chan calsync.Report, 8)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *ReportHub) unsubscribe(ch chan calsync.Report) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	h.mu.Unlock()
}

// handleReportStream upgrades to a websocket and pushes each finished cycle
// report as a JSON message. Browsers cannot set an Authorization header on
// a websocket handshake, so a token may also arrive as ?access_token=.
func (s *Server) handleReportStream(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	if _, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, ScopeSyncRead, time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// CloseRead surfaces client disconnects through ctx; this endpoint
	// never expects inbound messages.
	ctx := conn.CloseRead(r.Context())

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	if report, ok := s.store.LastReport(); ok {
		if err := writeReport(ctx, conn, report); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case report := <-ch:
			if err := writeReport(ctx, conn, report); err != nil {
				return
			}
		}
	}
}

func writeReport(ctx context.Context, conn *websocket.Conn, report calsync.Report) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, report)
}
