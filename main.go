package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hivecam-streaming/core/config"
	"hivecam-streaming/core/handlers"
	"hivecam-streaming/core/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	warnings, err := cfg.Validate()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	for _, w := range warnings {
		log.Printf("[Config] warning: %s", w)
	}

	msClient := services.NewMediaServerClient(cfg.MediaServer.WSURL, cfg.MediaServer.RequestTimeout)

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.MediaServer.RequestTimeout)
	if err := msClient.Connect(connectCtx); err != nil {
		cancel()
		log.Fatalf("Failed to connect to media server: %v", err)
	}
	cancel()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := msClient.Ping(pingCtx); err != nil {
		cancel()
		log.Fatalf("Media server did not answer ping: %v", err)
	}
	cancel()
	log.Println("Connected to media server")

	mqttGateway, err := services.NewMqttGateway(cfg.MQTT)
	if err != nil {
		log.Fatalf("Failed to build MQTT gateway: %v", err)
	}
	if err := mqttGateway.Connect(); err != nil {
		log.Fatalf("Failed to connect to MQTT broker: %v", err)
	}
	log.Println("Connected to MQTT broker")

	streamManager := services.NewStreamManager(msClient, mqttGateway, cfg)
	signalingHub := services.NewSignalingHub(msClient, streamManager, cfg)
	streamManager.SetViewerNotifier(signalingHub)
	controlHandler := handlers.NewControlHandler(streamManager, msClient, signalingHub, cfg.Network)

	router := setupRouter(controlHandler)

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}

	go func() {
		log.Printf("Server starting on port %s", port)
		if err := router.Run(":" + port); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	waitForShutdown(mqttGateway)
}

func setupRouter(controlHandler *handlers.ControlHandler) *gin.Engine {
	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool { return true },
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		MaxAge:          12 * time.Hour,
	}))

	controlHandler.Register(router)

	return router
}

// waitForShutdown blocks until SIGTERM/SIGINT, then disconnects the MQTT
// gateway so the broker sees a clean disconnect rather than a dropped
// keepalive (mirrors the original service's signal handling).
func waitForShutdown(mqttGateway *services.MqttGateway) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	log.Println("Shutting down")
	mqttGateway.Disconnect()
}
