package main

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	qrcode "github.com/skip2/go-qrcode"

	"pixelverse-relay/protocol"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	qrSize              = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // cross-origin clients are expected; see withCORS
	},
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetupRoutes configures HTTP routes
func SetupRoutes(hub *Hub) http.Handler {
	mux := http.NewServeMux()

	if dir := hub.cfg.StaticDir; dir != "" {
		fs := http.FileServer(http.Dir(dir))
		mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-cache")
			fs.ServeHTTP(w, r)
		}))
	}

	mux.HandleFunc("/ws", hub.serveWS)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"players": hub.registry.Count(),
			"uptime":  time.Since(hub.startedAt).Seconds(),
		})
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"players":         hub.registry.Count(),
			"parked":          hub.resume.Len(),
			"connections":     hub.TotalConns(),
			"queueDrops":      hub.QueueDrops(),
			"uptime":          time.Since(hub.startedAt).Seconds(),
			"protocolVersion": protocol.Version,
		})
	})

	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.registry.All())
	})

	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		if hub.db == nil {
			writeJSON(w, http.StatusOK, []SessionRow{})
			return
		}
		limit := queryInt(r, "limit", defaultHistoryLimit)
		if limit < 1 || limit > maxHistoryLimit {
			limit = defaultHistoryLimit
		}
		rows, err := hub.db.RecentSessions(limit)
		if err != nil {
			hub.logger.Printf("relay: history query: %v", err)
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []SessionRow{}
		}
		writeJSON(w, http.StatusOK, rows)
	})

	mux.HandleFunc("/api/analytics", func(w http.ResponseWriter, r *http.Request) {
		days := queryInt(r, "days", 7)
		if days < 1 {
			days = 7
		}
		counts, err := hub.analytics.EventCounts(days)
		if err != nil {
			hub.logger.Printf("relay: analytics query: %v", err)
			http.Error(w, "analytics unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"days": days, "events": counts})
	})

	mux.HandleFunc("/api/qr", func(w http.ResponseWriter, r *http.Request) {
		target := hub.cfg.PublicURL
		if target == "" {
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			target = scheme + "://" + r.Host + "/"
		}
		png, err := qrcode.Encode(target, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(png)
	})

	mux.HandleFunc("/api/admin/kick", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !hub.auth.AdminEnabled() {
			http.Error(w, errAdminDisabled.Error(), http.StatusNotFound)
			return
		}
		_, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="relay"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := hub.auth.CheckAdmin(password, extractIP(r)); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		if !hub.Kick(id) {
			http.Error(w, "no such session", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"kicked": id})
	})

	return withCORS(mux)
}

// serveWS upgrades the request and hands the connection to the hub. Query
// parameters: name (display name), codec (json or msgpack) and resume (a
// token from an earlier welcome).
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r)
	if !h.TryAcquire(ip) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	codec := protocol.CodecByName(q.Get("codec"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.TrackDisconnect(ip)
		h.logger.Printf("relay: upgrade error: %v", err)
		return
	}

	client := NewClient(h, conn, ip, codec)
	client.name = SanitizeName(q.Get("name"))
	if tok := q.Get("resume"); tok != "" {
		id, err := h.auth.ValidateResumeToken(tok)
		if err != nil {
			h.logger.Printf("relay: %s: %v, starting a new session", ip, err)
		} else {
			client.resumeID = id
		}
	}

	if err := h.Join(client); err != nil {
		h.TrackDisconnect(ip)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
