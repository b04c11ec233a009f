//go:build integration

package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/config"
	"github.com/eliteGoblin/vrkiosk/internal/daemon"
	"github.com/eliteGoblin/vrkiosk/internal/usecase"
)

type message struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Data   map[string]any `json:"data"`
	Error  string         `json:"error"`
}

func freePort() int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// installGame copies the fake game fixture into dir as an executable.
func installGame(dir string) string {
	src, err := os.ReadFile(filepath.Join("..", "fixtures", "fake_game.sh"))
	Expect(err).NotTo(HaveOccurred())
	path := filepath.Join(dir, "fake_game.sh")
	Expect(os.WriteFile(path, src, 0755)).To(Succeed())
	return path
}

func writeCatalog(dir, gamePath string) {
	catalog := fmt.Sprintf(`{
  "games": [
    {"id": "1", "title": "Fixture Game", "executable_path": %q, "min_duration_seconds": 60, "max_duration_seconds": 1800},
    {"id": "2", "title": "Not Installed", "executable_path": %q, "min_duration_seconds": 0, "max_duration_seconds": 0}
  ]
}`, gamePath, filepath.Join(dir, "missing", "game.exe"))
	Expect(os.WriteFile(filepath.Join(dir, "games.json"), []byte(catalog), 0644)).To(Succeed())
}

// request sends a command and returns its response, skipping broadcasts.
func request(conn *websocket.Conn, kind string, params map[string]any) message {
	id := uuid.NewString()
	Expect(conn.WriteJSON(map[string]any{"id": id, "type": kind, "params": params})).To(Succeed())
	for {
		msg := read(conn)
		if msg.ID == id {
			return msg
		}
	}
}

func read(conn *websocket.Conn) message {
	Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
	var msg message
	Expect(conn.ReadJSON(&msg)).To(Succeed())
	return msg
}

var _ = Describe("Kiosk server", func() {
	var (
		tmpDir   string
		gamePath string
		cancel   context.CancelFunc
		done     chan error
		conn     *websocket.Conn
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "vrkiosk-integration-*")
		Expect(err).NotTo(HaveOccurred())

		gamePath = installGame(tmpDir)
		writeCatalog(tmpDir, gamePath)

		cfg := &config.Config{
			Host:               "127.0.0.1",
			Port:               freePort(),
			MaxConnections:     4,
			AllowedOrigins:     []string{"*"},
			StatusInterval:     time.Second,
			DataDir:            tmpDir,
			GamesConfig:        "games.json",
			CPUAlertPercent:    100,
			MemoryAlertPercent: 100,
		}
		server, err := daemon.NewServer(cfg, daemon.DefaultServerConfig(), usecase.BuildInfo{Version: "integration"}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() { done <- server.Run(ctx) }()

		url := fmt.Sprintf("ws://%s/ws", cfg.Addr())
		Eventually(func() error {
			conn, _, err = websocket.DefaultDialer.Dial(url, nil)
			return err
		}, 5*time.Second, 50*time.Millisecond).Should(Succeed())

		welcome := read(conn)
		Expect(welcome.Type).To(Equal("welcome"))
	})

	AfterEach(func() {
		conn.Close()
		cancel()
		Eventually(done, 15*time.Second).Should(Receive(BeNil()))
		os.RemoveAll(tmpDir)
	})

	Describe("game sessions", func() {
		Context("when the game is installed", func() {
			It("launches, times and ends a session", func() {
				resp := request(conn, "launchGame", map[string]any{"gameId": "1", "sessionDuration": 600})
				Expect(resp.Status).To(Equal("success"), resp.Error)
				Expect(resp.Data["demoMode"]).To(BeFalse())
				Expect(resp.Data["sessionDuration"]).To(BeNumerically("==", 600))

				status := request(conn, "getStatus", nil)
				snapshot := status.Data["status"].(map[string]any)
				Expect(snapshot["gameRunning"]).To(BeTrue())
				Expect(snapshot["activeGame"]).To(Equal("1"))
				Expect(snapshot["timeRemaining"]).To(BeNumerically("<=", 600))

				paused := request(conn, "pauseSession", nil)
				Expect(paused.Status).To(Equal("success"))
				Expect(paused.Data["paused"]).To(BeTrue())

				resumed := request(conn, "resumeSession", nil)
				Expect(resumed.Status).To(Equal("success"))

				ended := request(conn, "endSession", map[string]any{"rating": 5})
				Expect(ended.Status).To(Equal("success"), ended.Error)
				Expect(ended.Data["sessionId"]).To(Equal(resp.Data["sessionId"]))

				status = request(conn, "getStatus", nil)
				snapshot = status.Data["status"].(map[string]any)
				Expect(snapshot["gameRunning"]).To(BeFalse())
				Expect(snapshot["launchStatus"]).To(Equal("idle"))
			})

			It("clamps the requested duration to the game's bounds", func() {
				resp := request(conn, "launchGame", map[string]any{"gameId": "1", "sessionDuration": 10})
				Expect(resp.Status).To(Equal("success"))
				Expect(resp.Data["sessionDuration"]).To(BeNumerically("==", 60))
				Expect(resp.Data["clamped"]).To(BeTrue())
			})

			It("pushes status broadcasts while a session runs", func() {
				request(conn, "launchGame", map[string]any{"gameId": "1", "sessionDuration": 300})

				Eventually(func() bool {
					msg := read(conn)
					return msg.Type == "status" && msg.Data["status"] != nil
				}, 5*time.Second).Should(BeTrue())
			})
		})

		Context("when the executable is missing", func() {
			It("runs the session in demo mode", func() {
				resp := request(conn, "launchGame", map[string]any{"gameId": "2", "sessionDuration": 120})
				Expect(resp.Status).To(Equal("success"), resp.Error)
				Expect(resp.Data["demoMode"]).To(BeTrue())
			})
		})
	})

	Describe("command handling", func() {
		It("rejects unknown commands", func() {
			resp := request(conn, "selfDestruct", nil)
			Expect(resp.Status).To(Equal("error"))
			Expect(resp.Error).NotTo(BeEmpty())
		})

		It("rejects ending a session that was never started", func() {
			resp := request(conn, "endSession", nil)
			Expect(resp.Status).To(Equal("error"))
		})

		It("echoes the caller's id when params are malformed", func() {
			raw := `{"id":"bad-params","type":"launchGame","params":"1"}`
			Expect(conn.WriteMessage(websocket.TextMessage, []byte(raw))).To(Succeed())
			for {
				msg := read(conn)
				if msg.Type == "status" {
					continue
				}
				Expect(msg.ID).To(Equal("bad-params"))
				Expect(msg.Status).To(Equal("error"))
				break
			}
		})

		It("answers heartbeats", func() {
			resp := request(conn, "heartbeat", nil)
			Expect(resp.Status).To(Equal("success"))
			Expect(resp.Data).To(HaveKey("timestamp"))
		})

		It("reports unknown RFID tags as invalid", func() {
			resp := request(conn, "scanRfid", map[string]any{"tagId": "NOPE"})
			Expect(resp.Status).To(Equal("success"))
			Expect(resp.Data["valid"]).To(BeFalse())
		})
	})
})
