package main

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/auth"
	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/db"
	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/engine"
	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/fcm"
	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/httpapi"
	mw "github.com/brenescensus/sigme-push-notification-suite-sub001/internal/middleware"
	"github.com/brenescensus/sigme-push-notification-suite-sub001/internal/scheduler"
)

func main() {
	// Load .env file if present (does not override existing env vars).
	loadDotenv(".env")

	port := getEnv("PORT", "8080")
	dataDir := getEnv("DATA_DIR", "./data")

	// Refuse to start with a missing or default JWT secret.
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" ||
		jwtSecret == "change-this-secret-in-production" ||
		jwtSecret == "change-me-use-a-long-random-string-here" {
		log.Fatal("FATAL: JWT_SECRET is not set or is using the insecure default value.\n" +
			"Generate one with:  openssl rand -hex 32\n" +
			"Then set it in your environment or .env file before starting the engine.")
	}

	serviceCredential := os.Getenv("SCHEDULER_SERVICE_CREDENTIAL")
	if serviceCredential == "" {
		log.Fatal("FATAL: SCHEDULER_SERVICE_CREDENTIAL is not set — the scheduler endpoint would be unreachable.")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatal("Failed to create data directory:", err)
	}

	database, err := db.Init(dataDir + "/push.db")
	if err != nil {
		log.Fatal("Failed to init database:", err)
	}
	defer database.Close()

	authSvc := auth.New(jwtSecret, serviceCredential)

	// Web Push keys used as a website's VAPID fallback when it has none
	// of its own. Their absence is fatal at send time, not at startup —
	// a per-website key set in the dashboard is equally valid.
	defaultVAPIDPub := os.Getenv("FIREBASE_VAPID_PUBLIC_KEY")
	defaultVAPIDPriv := os.Getenv("FIREBASE_VAPID_PRIVATE_KEY")
	if defaultVAPIDPub == "" || defaultVAPIDPriv == "" {
		log.Printf("⚠ FIREBASE_VAPID_PUBLIC_KEY/FIREBASE_VAPID_PRIVATE_KEY not set — websites without their own VAPID keys cannot send Web Push")
	}

	fcmClient, err := initFCM()
	if err != nil {
		log.Printf("⚠ FCM init error (android push disabled): %v", err)
	}

	eng := engine.New(database, engine.Config{
		DefaultVAPIDPublicKey:  defaultVAPIDPub,
		DefaultVAPIDPrivateKey: defaultVAPIDPriv,
		VAPIDSubject:           getEnv("VAPID_SUBJECT", "mailto:ops@example.com"),
		FCM:                    fcmClient,
	})

	sched := scheduler.New(database, eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tickInterval := schedulerTick()
	go sched.Run(ctx, tickInterval)
	log.Printf("✦ scheduler running, tick=%s", tickInterval)

	api := httpapi.New(database, eng, sched)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.CleanPath)

	// Per-IP token-bucket limiter guarding /notifications/send, same
	// shape as the teacher's auth-endpoint limiter.
	sendLimiter := newIPRateLimiter(rate.Every(time.Minute/60), 20)

	api.Routes(r, mw.Auth(authSvc), mw.ServiceAuth(authSvc), sendLimiter)

	log.Printf("✦ push engine running at http://localhost:%s", port)
	log.Fatal(http.ListenAndServe(":"+port, r))
}

// initFCM builds an FCM HTTP v1 client from FCM_SERVICE_ACCOUNT_JSON, a
// Firebase service account key either inlined as JSON or given as a file
// path. Absence of this variable merely disables the android transport;
// it is never fatal.
func initFCM() (*fcm.Client, error) {
	raw := os.Getenv("FCM_SERVICE_ACCOUNT_JSON")
	if raw == "" {
		return nil, nil
	}
	payload := []byte(raw)
	if !strings.HasPrefix(strings.TrimSpace(raw), "{") {
		data, err := os.ReadFile(raw)
		if err != nil {
			return nil, err
		}
		payload = data
	}

	var creds struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(payload, &creds); err != nil {
		return nil, err
	}

	tokens, err := fcm.NewTokenSource(payload)
	if err != nil {
		return nil, err
	}
	return fcm.NewClient(creds.ProjectID, tokens), nil
}

// schedulerTick reads SCHEDULER_TICK_SECONDS, defaulting to the
// scheduler package's own default (spec requires a tick no looser than
// 60s).
func schedulerTick() time.Duration {
	raw := os.Getenv("SCHEDULER_TICK_SECONDS")
	if raw == "" {
		return scheduler.DefaultTick
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return scheduler.DefaultTick
	}
	return time.Duration(secs) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadDotenv reads a .env file and sets any environment variables that are
// not already present in the environment. It silently does nothing if the
// file doesn't exist. This keeps the teacher's "no godotenv dependency"
// philosophy for config loading.
func loadDotenv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return // file doesn't exist — perfectly fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.IndexByte(line, '=')
		if idx < 1 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])

		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') ||
				(val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}

		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// --- Per-IP rate limiter ---

type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newIPRateLimiter(r rate.Limit, b int) func(http.Handler) http.Handler {
	rl := &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		b:        b,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if h, _, err := net.SplitHostPort(ip); err == nil {
				ip = h
			}
			if !rl.get(ip).Allow() {
				http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *ipRateLimiter) get(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.limiters[ip]; ok {
		return l
	}
	l := rate.NewLimiter(rl.r, rl.b)
	rl.limiters[ip] = l
	return l
}
