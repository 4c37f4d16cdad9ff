package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"gitlab.com/slon/rwlock/rwlock"
)

// store хранит состояние сокращателя ссылок.
// Доступ к нему целиком идёт через rwlock: GET-запросы берут читающий
// guard и выполняются параллельно, POST берёт пишущий.
type store struct {
	keyToURL map[string]string // key -> URL
	urlToKey map[string]string // URL -> key (для проверки дубликатов)
	counter  int64
}

var urls = rwlock.New(&store{
	keyToURL: make(map[string]string),
	urlToKey: make(map[string]string),
})

const base62Chars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func intToBase62(n int64) string {
	if n == 0 {
		return "0"
	}
	var result []byte
	for n > 0 {
		result = append([]byte{base62Chars[n%62]}, result...)
		n /= 62
	}
	return string(result)
}

// Ключ для хранения logger в gin.Context
const loggerKey = "logger"

// slogMiddleware для логирования запросов через slog и установки logger в контекст
func slogMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(loggerKey, logger)

		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger.Info("request processed",
			"method", method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// recoveryMiddleware обрабатывает паники и возвращает 500 ошибку
func recoveryMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("panic recovered",
			"error", recovered,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

// getLogger извлекает logger из gin.Context
func getLogger(c *gin.Context) *slog.Logger {
	if logger, exists := c.Get(loggerKey); exists {
		if l, ok := logger.(*slog.Logger); ok {
			return l
		}
	}
	return slog.Default()
}

func runServer(port uint16) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	router := gin.New()

	// Recovery middleware должен быть первым
	router.Use(recoveryMiddleware(logger))
	router.Use(slogMiddleware(logger))

	router.GET("/pong", pongHandler)
	router.POST("/shorten", shortenHandler)
	router.GET("/go/:key", goHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info("shutting down server gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", "error", err)
		} else {
			logger.Info("server stopped")
		}
	}()

	logger.Info("starting server", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		log.Fatal(err)
	}
}

func pongHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

func goHandler(c *gin.Context) {
	logger := getLogger(c)
	key := c.Param("key")

	// Читающий guard: редиректы выполняются параллельно друг с другом.
	guard, err := urls.Read(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
		return
	}
	url, ok := guard.Get().keyToURL[key]
	guard.Release()

	if !ok {
		logger.Warn("key not found", "key", key)
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}

	c.Redirect(http.StatusFound, url)
}

func shortenHandler(c *gin.Context) {
	logger := getLogger(c)
	var req struct {
		URL string `json:"url" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("failed to parse JSON", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var key string
	err := urls.WithWrite(c.Request.Context(), func(s **store) error {
		st := *s
		var ok bool
		key, ok = st.urlToKey[req.URL]
		if !ok {
			st.counter++
			key = intToBase62(st.counter)
			st.urlToKey[req.URL] = key
			st.keyToURL[key] = req.URL
			logger.Info("new URL shortened", "url", req.URL, "key", key)
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url": req.URL,
		"key": key,
	})
}

func getPort() (port uint16, err error) {
	args := os.Args
	if len(args) != 3 || args[1] != "-port" {
		return 0, fmt.Errorf("usage: %s -port <port_number>", args[0])
	}
	portInt, err := strconv.ParseUint(args[2], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port number: %w", err)
	}
	return uint16(portInt), nil
}

func main() {
	port, err := getPort()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	runServer(port)
}
