// Command probe checks one mailbox by hand: it connects with explicit credentials,
// fetches recent messages and prints the scan verdict for each. It can also register
// a mailbox so the server starts monitoring it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vdavid/mailguard/internal/config"
	"github.com/vdavid/mailguard/internal/crypto"
	"github.com/vdavid/mailguard/internal/db"
	"github.com/vdavid/mailguard/internal/extract"
	"github.com/vdavid/mailguard/internal/imap"
	applog "github.com/vdavid/mailguard/internal/logger"
	"github.com/vdavid/mailguard/internal/models"
	"github.com/vdavid/mailguard/internal/scan"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "probe",
		Short:        "Inspect a mailbox with the mailguard scan pipeline",
		SilenceUsage: true,
	}
	root.AddCommand(newScanCmd(), newRegisterCmd())
	return root
}

// scanOptions are the flags of the scan command.
type scanOptions struct {
	server          string
	user            string
	password        string
	since           time.Duration
	useTLS          bool
	classifierURL   string
	safeBrowsingKey string
	urlScanKey      string
	timeout         time.Duration
}

func newScanCmd() *cobra.Command {
	opts := scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Fetch recent messages from a mailbox and print their risk verdicts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.server == "" || opts.user == "" || opts.password == "" {
				return errors.New("--server, --user and --password are required (or IMAP_SERVER, IMAP_USER, IMAP_PASSWORD)")
			}
			logger, err := applog.New("development")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			scanner := scan.NewScanner(
				classifierFor(opts, logger),
				checkersFor(opts, logger),
				0,
				logger,
			)
			return runScan(cmd.Context(), cmd.OutOrStdout(), opts, imap.NewDialer(opts.useTLS, logger), scanner, extract.NewExtractor(logger))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.server, "server", os.Getenv("IMAP_SERVER"), "IMAP server as host:port")
	flags.StringVar(&opts.user, "user", os.Getenv("IMAP_USER"), "mailbox address used as IMAP username")
	flags.StringVar(&opts.password, "password", os.Getenv("IMAP_PASSWORD"), "mailbox password")
	flags.DurationVar(&opts.since, "since", 24*time.Hour, "how far back to look for messages")
	flags.BoolVar(&opts.useTLS, "tls", true, "connect with TLS")
	flags.StringVar(&opts.classifierURL, "classifier-url", os.Getenv("MAILGUARD_CLASSIFIER_URL"), "content classifier endpoint")
	flags.StringVar(&opts.safeBrowsingKey, "safe-browsing-key", os.Getenv("MAILGUARD_SAFE_BROWSING_API_KEY"), "Google Safe Browsing API key")
	flags.StringVar(&opts.urlScanKey, "urlscan-key", os.Getenv("MAILGUARD_URLSCAN_API_KEY"), "urlscan.io API key")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall time limit")
	return cmd
}

func classifierFor(opts scanOptions, logger *zap.Logger) scan.ContentClassifier {
	if opts.classifierURL == "" {
		return nil
	}
	return scan.NewClassifierClient(opts.classifierURL, 15*time.Second, logger)
}

func checkersFor(opts scanOptions, logger *zap.Logger) []scan.URLChecker {
	var checkers []scan.URLChecker
	if opts.safeBrowsingKey != "" {
		checkers = append(checkers, scan.NewSafeBrowsingClient("", opts.safeBrowsingKey, 15*time.Second, logger))
	}
	if opts.urlScanKey != "" {
		checkers = append(checkers, scan.NewURLScanClient("", opts.urlScanKey, 11*time.Second, 15*time.Second, logger))
	}
	return checkers
}

// endpointFor turns "host:port" and the username into a mailbox endpoint.
func endpointFor(server, user string) (models.MailboxEndpoint, error) {
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return models.MailboxEndpoint{}, fmt.Errorf("invalid server %q: %w", server, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return models.MailboxEndpoint{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return models.MailboxEndpoint{Address: user, UserID: "probe", Host: host, Port: port, Protocol: "imap"}, nil
}

// runScan connects once, scans every message received within opts.since and prints a table.
func runScan(ctx context.Context, out io.Writer, opts scanOptions, dialer imap.SessionDialer, scanner scan.RiskScanner, extractor *extract.Extractor) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	endpoint, err := endpointFor(opts.server, opts.user)
	if err != nil {
		return err
	}

	session, err := dialer.Dial(ctx, models.Credential{Endpoint: endpoint, Password: opts.password})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = session.Close() }()

	if err := session.OpenInbox(false); err != nil {
		return fmt.Errorf("failed to open INBOX: %w", err)
	}
	_, _ = fmt.Fprintf(out, "Connected to %s (IDLE supported: %t)\n", endpoint.ServerAddress(), session.SupportsIdle())

	since := time.Now().Add(-opts.since)
	msgs, err := session.FetchRecent(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	_, _ = fmt.Fprintf(out, "Found %d message(s) since %s\n\n", len(msgs), since.Format(time.RFC3339))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "UID\tSENDER\tSUBJECT\tLEVEL\tSCORE\tTHREATS")
	for _, msg := range msgs {
		identity, err := extract.Identity(endpoint.Address, msg)
		if err != nil {
			_, _ = fmt.Fprintf(tw, "%d\t-\t-\tskipped\t-\t%v\n", msg.UID, err)
			continue
		}
		extracted, err := extractor.Extract(endpoint, identity, msg)
		if err != nil {
			_, _ = fmt.Fprintf(tw, "%d\t-\t%s\taborted\t-\t%v\n", msg.UID, msg.Subject, err)
			continue
		}
		result, err := scanner.Scan(ctx, extracted)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			msg.UID, extracted.Sender, extracted.Subject, result.Level, result.Score, strings.Join(result.Threats, "; "))
	}
	return tw.Flush()
}

// registerOptions are the flags of the register command.
type registerOptions struct {
	email    string
	userID   string
	host     string
	port     int
	password string
}

func newRegisterCmd() *cobra.Command {
	opts := registerOptions{}
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Store a mailbox and its encrypted password so the server monitors it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mailbox, err := opts.mailbox()
			if err != nil {
				return err
			}

			cfg, err := config.NewConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
			if err != nil {
				return err
			}
			pool, err := db.NewConnection(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.CloseConnection(pool)

			if err := db.NewMailboxStore(pool, encryptor).RegisterMailbox(cmd.Context(), mailbox, opts.password); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registered %s for user %s (id %d)\n", mailbox.Email, mailbox.UserID, mailbox.ID)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.email, "email", "", "mailbox address (also the IMAP username)")
	flags.StringVar(&opts.userID, "user-id", "", "owning user ID")
	flags.StringVar(&opts.host, "host", "", "IMAP host")
	flags.IntVar(&opts.port, "port", 993, "IMAP port")
	flags.StringVar(&opts.password, "password", os.Getenv("IMAP_PASSWORD"), "mailbox password")
	return cmd
}

func (o registerOptions) mailbox() (*models.Mailbox, error) {
	if o.email == "" || o.userID == "" || o.host == "" || o.password == "" {
		return nil, errors.New("--email, --user-id, --host and --password are required")
	}
	if o.port <= 0 || o.port > 65535 {
		return nil, fmt.Errorf("invalid port %d", o.port)
	}
	return &models.Mailbox{
		Email:    strings.TrimSpace(o.email),
		UserID:   strings.TrimSpace(o.userID),
		Host:     o.host,
		Port:     o.port,
		Protocol: "imap",
		Active:   true,
	}, nil
}
