// Command notesyncd is the sync kernel's process entry point: it wires
// every component into one running daemon, using only environment
// variables for local configuration (there is no per-user web-facing
// deployment here).
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/adminapi"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/attachment"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/auth"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/clock"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/cloudapi"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/cloudsync"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/config"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/eventbus"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/guard"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/idmapping"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/notestore"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/online"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/processor"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/queue"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/startup"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/storage"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/syncengine"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// cookieAdapter narrows auth.Manager's structured Cookie down to the
// plain string cloudapi.TokenSource expects on the wire.
type cookieAdapter struct{ mgr *auth.Manager }

func (a cookieAdapter) Cookie(ctx context.Context) (string, error) {
	c, err := a.mgr.Cookie(ctx)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

func (a cookieAdapter) Refresh(ctx context.Context) (string, error) {
	return a.mgr.Refresh(ctx)
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "notesyncd").Logger()
	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	cfg := config.Config{
		AppSupportDir: env("APP_SUPPORT_DIR", ""),
		CloudBaseURL:  env("CLOUD_BASE_URL", ""),
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open local database")
	}
	defer db.Close()

	store, err := attachment.NewFilesystemStore(cfg.ImagesDir(), cfg.PendingUploadsDir())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare attachment directories")
	}

	clk := clock.NewSystem()
	bus := eventbus.NewEventBus()
	q := queue.New(db, clk)
	idRegistry := idmapping.New(db, q, bus, clk)

	creds := auth.Credentials{
		PassToken: env("XIAOMI_PASS_TOKEN", ""),
		UserID:    env("XIAOMI_USER_ID", ""),
	}
	tokenMgr := auth.New(cfg.CloudBaseURL, auth.NoRedirectClient(cfg.HTTPTimeout), bus, creds, cfg.TokenCacheTTL, cfg.TokenRefreshTimeout)

	executor := cloudapi.NewHTTPExecutor(cfg.HTTPTimeout)
	session := cloudapi.NewSessionClient(executor, cookieAdapter{mgr: tokenMgr})
	reqManager := cloudapi.NewNetworkRequestManager(cfg.MaxConcurrentRequests, cfg.DedupeWindow, 0)
	reqManager.SetSession(session)
	session.SetRequestManager(reqManager)
	go reqManager.Run(ctx)

	cloudClient := cloudsync.New(cfg.CloudBaseURL, reqManager, tokenMgr, idRegistry)

	onlineProbe := online.NewDialProbe(cloudHost(cfg.CloudBaseURL), cfg.HTTPTimeout)
	onlineState := online.New(onlineProbe, bus)
	onlineState.SetAuthenticated(creds.PassToken != "")
	go onlineState.WatchReachability(ctx, 15*time.Second)

	noteStore := notestore.New(db, bus, q, clk)
	noteStore.IsOnline = onlineState.IsOnline
	noteStore.RenameFolderAttachmentDir = func(oldID, newID string) error { return nil }

	syncGuard := guard.New(noteStore)

	sequencer := newSequencer(cfg, db, noteStore, q, idRegistry, onlineState, tokenMgr, bus, clk, cloudClient, syncGuard, store)

	go subscribeOnline(ctx, bus, reqManager)

	wireProcessor := sequencer.proc
	noteStore.ProcessImmediately = func(ctx context.Context, op model.NoteOperation) {
		if err := wireProcessor.ProcessImmediately(ctx, op); err != nil {
			log.Warn().Err(err).Str("opId", op.ID).Msg("notesyncd: immediate processing failed")
		}
	}

	go noteStore.Run(ctx)

	result := sequencer.seq.Run(ctx)
	log.Info().Bool("success", result.Success).Int64("durationMs", result.DurationMs).Msg("notesyncd: startup sequence finished")

	adminSrv, token, err := adminapi.NewServer(db, q, onlineState.IsOnline)
	if err != nil {
		log.Error().Err(err).Msg("notesyncd: admin API unavailable")
	} else {
		listener, err := net.Listen("tcp", cfg.AdminListenAddr)
		if err != nil {
			log.Error().Err(err).Msg("notesyncd: admin API listen failed")
		} else {
			log.Info().Str("addr", listener.Addr().String()).Msg("notesyncd: admin API listening; use the printed bearer token")
			log.Info().Str("token", token).Msg("notesyncd: admin API bearer token (store it, it is not persisted)")
			httpSrv := &http.Server{Handler: adminSrv.Routes()}
			go func() {
				if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
					log.Error().Err(err).Msg("notesyncd: admin API server stopped")
				}
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()
		}
	}

	<-ctx.Done()
	log.Info().Msg("notesyncd: shutting down")
}

func cloudHost(baseURL string) string {
	host := baseURL
	for _, prefix := range []string{"https://", "http://"} {
		if len(host) > len(prefix) && host[:len(prefix)] == prefix {
			host = host[len(prefix):]
			break
		}
	}
	if idx := indexByte(host, '/'); idx >= 0 {
		host = host[:idx]
	}
	return net.JoinHostPort(host, "443")
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// sequencerBundle groups the pieces needed both to build StartupSequencer
// and to wire NoteStore's ProcessImmediately hook after the fact.
type sequencerBundle struct {
	seq  *startup.Sequencer
	proc *processor.Processor
}

func newSequencer(cfg config.Config, db *storage.Database, noteStore *notestore.Store, q *queue.Queue, idRegistry *idmapping.Registry, onlineState *online.State, tokenMgr *auth.Manager, bus *eventbus.EventBus, clk clock.Clock, cloudClient *cloudsync.Client, syncGuard *guard.Guard, attStore attachment.Store) sequencerBundle {
	proc := processor.New(q, idRegistry, cfg.ProcessorBaseBackoff, cfg.ProcessorMaxBackoff, cfg.ProcessorMaxRetries)
	proc.RegisterHandler(model.OpNoteCreate, cloudClient.HandleNoteCreate)
	proc.RegisterHandler(model.OpCloudUpload, cloudClient.HandleCloudUpload)
	proc.RegisterHandler(model.OpCloudDelete, cloudClient.HandleCloudDelete)
	proc.RegisterHandler(model.OpFolderCreate, cloudClient.HandleFolderCreate)
	proc.RegisterHandler(model.OpFolderRename, cloudClient.HandleFolderRename)
	proc.RegisterHandler(model.OpFolderDelete, cloudClient.HandleFolderDelete)

	readPending := func(ctx context.Context, tempFileID string) ([]byte, error) {
		fs, ok := attStore.(*attachment.FilesystemStore)
		if !ok {
			return nil, nil
		}
		matches, err := filepath.Glob(filepath.Join(fs.PendingUploadsDir, tempFileID+".*"))
		if err != nil || len(matches) == 0 {
			return nil, err
		}
		return os.ReadFile(matches[0])
	}
	proc.RegisterHandler(model.OpImageUpload, cloudClient.NewAttachmentUploadHandler(readPending))
	proc.RegisterHandler(model.OpAudioUpload, cloudClient.NewAttachmentUploadHandler(readPending))

	engine := syncengine.New(db, bus, q, syncGuard, cloudClient, attStore, cfg.AttachmentDownloadRetries, cfg.AttachmentRetryDelays)

	seq := startup.New(
		noteStore,
		proc,
		engine,
		bus,
		clk,
		onlineState.IsOnline,
		func() bool { return true },
		func(ctx context.Context) (bool, error) {
			ops, err := q.GetPendingOperations(ctx)
			if err != nil {
				return false, err
			}
			return len(ops) > 0, nil
		},
	)

	return sequencerBundle{seq: seq, proc: proc}
}

func subscribeOnline(ctx context.Context, bus *eventbus.EventBus, mgr *cloudapi.NetworkRequestManager) {
	sub := bus.Online.Subscribe()
	defer sub.Close()
	for {
		ev, ok := sub.Next()
		if !ok {
			return
		}
		mgr.HandleOnlineEvent(ev)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
