// Command sandbox runs mailguard end to end on a laptop: a throwaway Postgres,
// an in-memory IMAP server with one registered mailbox, a keyword classifier
// and the real server. Messages are delivered into the inbox on a timer so the
// scan pipeline has work to do.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/vdavid/mailguard/internal/config"
	applog "github.com/vdavid/mailguard/internal/logger"
	"github.com/vdavid/mailguard/internal/models"
	"github.com/vdavid/mailguard/internal/server"
	"github.com/vdavid/mailguard/internal/testutil"
	"go.uber.org/zap"
)

const (
	sandboxUserID = "sandbox-user"
	sandboxToken  = "sandbox-token"
)

// phishingPhrases make the keyword classifier answer with a high probability.
var phishingPhrases = []string{"verify your account", "password expires", "urgent action", "wire transfer"}

type sample struct {
	subject string
	from    string
	body    string
}

var samples = []sample{
	{"Lunch on Friday?", "colleague@example.com", "Are we still on for lunch? The place on the corner opens at noon."},
	{"Urgent action required", "security@examp1e-bank.com", "Your password expires today. Verify your account at http://examp1e-bank.com/login now."},
	{"Q3 report", "reports@example.com", "The Q3 numbers are in the shared folder: https://docs.example.com/q3"},
}

func main() {
	logger, err := applog.New("development")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("Sandbox failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting test Postgres database")
	pool, terminate, err := testutil.StartPostgres(ctx)
	if err != nil {
		return err
	}
	defer func() {
		pool.Close()
		if err := terminate(); err != nil {
			logger.Warn("Failed to terminate Postgres container", zap.Error(err))
		}
	}()

	imapServer, err := testutil.StartIMAPServer("127.0.0.1:0")
	if err != nil {
		return err
	}
	defer imapServer.Close()
	logger.Info("Test IMAP server started",
		zap.String("address", imapServer.Address),
		zap.String("username", imapServer.Username()),
	)

	classifier, err := startClassifier()
	if err != nil {
		return err
	}
	defer func() { _ = classifier.Close() }()

	if err := setupEnvironment("http://" + classifier.Address + "/analyze-email"); err != nil {
		return err
	}
	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a, err := server.New(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}

	mailbox, err := sandboxMailbox(imapServer)
	if err != nil {
		return err
	}
	if err := a.Mailboxes().RegisterMailbox(ctx, mailbox, imapServer.Password()); err != nil {
		return fmt.Errorf("failed to register sandbox mailbox: %w", err)
	}

	go deliverSamples(ctx, imapServer, 20*time.Second, logger)

	logger.Info("Sandbox ready. Press Ctrl+C to stop.",
		zap.String("api", "http://localhost:"+cfg.Port),
		zap.String("token", sandboxToken),
		zap.String("websocket", "ws://localhost:"+cfg.Port+"/api/v1/ws?token="+sandboxToken),
	)
	return a.Run(ctx, ":"+cfg.Port, cfg.ShutdownGrace)
}

// setupEnvironment points the config loader at the sandbox services.
func setupEnvironment(classifierURL string) error {
	vars := map[string]string{
		"MAILGUARD_ENV":                   "sandbox",
		"MAILGUARD_ENCRYPTION_KEY_BASE64": "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM=",
		"MAILGUARD_DB_PASSWORD":           "mailguard",
		"MAILGUARD_API_TOKENS":            sandboxToken + ":" + sandboxUserID,
		"MAILGUARD_IMAP_TLS":              "false",
		"MAILGUARD_MONITOR_STRATEGY":      config.StrategyAuto,
		"MAILGUARD_CLASSIFIER_URL":        classifierURL,
		"MAILGUARD_URLSCAN_SETTLE_DELAY":  "1s",
	}
	for key, value := range vars {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

func sandboxMailbox(imapServer *testutil.TestIMAPServer) (*models.Mailbox, error) {
	endpoint, err := imapServer.MailboxEndpoint(sandboxUserID)
	if err != nil {
		return nil, err
	}
	return &models.Mailbox{
		Email:    endpoint.Address,
		UserID:   sandboxUserID,
		Host:     endpoint.Host,
		Port:     endpoint.Port,
		Protocol: endpoint.Protocol,
		Active:   true,
	}, nil
}

// deliverSamples appends one sample message per tick, cycling through samples.
func deliverSamples(ctx context.Context, imapServer *testutil.TestIMAPServer, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msg := samples[i%len(samples)]
		messageID := "<" + uuid.NewString() + "@sandbox>"
		if err := imapServer.Deliver(messageID, msg.subject, msg.from, msg.body, time.Now()); err != nil {
			logger.Warn("Failed to deliver sample message", zap.Error(err))
			continue
		}
		logger.Info("Delivered sample message", zap.String("message_id", messageID), zap.String("subject", msg.subject))
	}
}

// classifierServer is a stand-in for the content classification service.
type classifierServer struct {
	*http.Server
	Address string
}

func startClassifier() (*classifierServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to start classifier: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/analyze-email", handleClassify)
	srv := &classifierServer{
		Server:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		Address: listener.Addr().String(),
	}
	go func() { _ = srv.Serve(listener) }()
	return srv, nil
}

func handleClassify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		EmailText string `json:"email_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]float64{"probability": phishingProbability(req.EmailText)})
}

// phishingProbability scores text by how many phishing phrases it contains.
func phishingProbability(text string) float64 {
	text = strings.ToLower(text)
	hits := 0
	for _, phrase := range phishingPhrases {
		if strings.Contains(text, phrase) {
			hits++
		}
	}
	switch {
	case hits >= 2:
		return 0.95
	case hits == 1:
		return 0.6
	default:
		return 0.05
	}
}
