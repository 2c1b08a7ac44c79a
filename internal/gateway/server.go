package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ServerOpts holds configuration for one worker's realtime server.
type ServerOpts struct {
	Hub  *Hub
	Port int
	Out  io.Writer
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is enforced by the fronting load balancer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StartServer launches a worker's websocket endpoint. Clients connect to
// /ws?room={roomID} and receive every event emitted to that room. The
// server blocks until ctx is cancelled, then shuts down gracefully.
func StartServer(ctx context.Context, opts ServerOpts) error {
	if opts.Hub == nil {
		return fmt.Errorf("gateway: hub is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8090
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", handleWS(opts.Hub))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Gateway worker listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// handleWS upgrades the connection and pins it to the requested room until
// the client disconnects.
func handleWS(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		room := c.Query("room")
		if room == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "room query parameter is required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error response.
			return
		}

		hub.Join(room, conn)
		go func() {
			defer func() {
				hub.Leave(room, conn)
				conn.Close()
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
