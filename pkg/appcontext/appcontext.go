// Package appcontext assembles every engine component into one process-owned
// AppContext, replacing the source's module-level globals (settings, engine,
// encryption key, socket server) with an explicit, passable value per
// spec.md §9's design note. "Unlock" (and "Setup", its first-run sibling)
// are state transitions on AppContext: before either has succeeded, every
// accessor fails with errs.AuthLocked.
package appcontext

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/thinkhq/think/internal/log"
	"github.com/thinkhq/think/pkg/blobvault"
	"github.com/thinkhq/think/pkg/chat"
	"github.com/thinkhq/think/pkg/crypto"
	"github.com/thinkhq/think/pkg/dataaccess"
	"github.com/thinkhq/think/pkg/document"
	"github.com/thinkhq/think/pkg/enrichment"
	"github.com/thinkhq/think/pkg/errs"
	"github.com/thinkhq/think/pkg/eventbus"
	"github.com/thinkhq/think/pkg/graph"
	"github.com/thinkhq/think/pkg/jobqueue"
	"github.com/thinkhq/think/pkg/llmgateway"
	"github.com/thinkhq/think/pkg/search"
	"github.com/thinkhq/think/pkg/settings"
	"github.com/thinkhq/think/pkg/store"
	"github.com/thinkhq/think/pkg/transcription"
)

const dbFileName = "think.db"

// Config controls where an AppContext roots its on-disk state. Everything
// password- or database-derived is resolved during Setup/Unlock, not here.
type Config struct {
	// DataDir is the per-user application directory (salt file, database,
	// blob domains, whisper model cache all live under it).
	DataDir string
	// VectorExtensionPath optionally loads a SQLite extension providing
	// cosine_distance; empty disables vector search at the SQL layer (the
	// in-process fallback in pkg/search still runs).
	VectorExtensionPath string
	// WhisperModelDir overrides DataDir/whisper-models for the transcription
	// engine's model cache; empty uses the default location.
	WhisperModelDir string
	// Fs backs pkg/blobvault; nil defaults to afero.NewOsFs(). Tests pass
	// afero.NewMemMapFs().
	Fs afero.Fs
	Logger *zap.Logger
}

// AppContext owns every long-lived component of a single running instance:
// the encryption keyring, the encrypted store and its migrator, the blob
// vault, settings, the event bus, every DataAccess store, and the
// retrieval/enrichment/chat/graph/jobqueue services layered on top. A
// single mutex serializes the Setup/Unlock/Logout state transitions; it is
// not reentrant, which is fine since none of the three calls another.
type AppContext struct {
	cfg    Config
	logger *zap.Logger

	keyring *crypto.Keyring
	bus     *eventbus.Bus

	stateMu  sync.Mutex
	unlocked bool

	store    *store.Store
	vault    *blobvault.Vault
	settings *settings.Registry

	memories      *dataaccess.MemoryStore
	tags          *dataaccess.TagStore
	conversations *dataaccess.ConversationStore
	links         *dataaccess.LinkStore
	jobs          *dataaccess.JobStore

	searchEngine  *search.Engine
	llm           *llmgateway.Gateway
	enrichment    *enrichment.Worker
	transcription *transcription.Engine
	chat          *chat.Orchestrator
	broadcaster   *chat.Broadcaster
	graph         *graph.Service
	jobqueue      *jobqueue.Manager

	enrichSupervisor *supervisor
}

// New builds a locked AppContext rooted at cfg.DataDir. No I/O happens until
// Setup or Unlock is called.
func New(cfg Config) *AppContext {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Logger()
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	return &AppContext{
		cfg:     cfg,
		logger:  logger,
		keyring: crypto.New(cfg.DataDir),
		bus:     eventbus.New(),
	}
}

func (a *AppContext) dbPath() string {
	return filepath.Join(a.cfg.DataDir, dbFileName)
}

// Setup performs the first-run unlock: it is an error to call it once a
// database already exists at cfg.DataDir (use Unlock instead).
func (a *AppContext) Setup(ctx context.Context, password string) error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if store.Exists(a.dbPath()) {
		return errs.New(errs.Conflict, "appcontext: already set up, use Unlock")
	}
	return a.open(ctx, password)
}

// Unlock resumes an existing installation. AuthInvalid is returned when the
// derived key fails to decrypt the database (wrong password); NotFound when
// no database exists yet (the caller should call Setup first).
func (a *AppContext) Unlock(ctx context.Context, password string) error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if !store.Exists(a.dbPath()) {
		return errs.New(errs.NotFound, "appcontext: no existing installation, use Setup")
	}
	return a.open(ctx, password)
}

// open is Setup and Unlock's shared body: derive the key, open the store,
// migrate, build every component, and flip the unlocked flag last so a
// failure midway leaves the AppContext in its prior (locked) state.
func (a *AppContext) open(ctx context.Context, password string) error {
	dbKey, err := a.keyring.Unlock(password)
	if err != nil {
		return fmt.Errorf("appcontext: derive key: %w", err)
	}

	s, err := store.Open(ctx, store.Config{
		Path:                a.dbPath(),
		Key:                 dbKey,
		VectorExtensionPath: a.cfg.VectorExtensionPath,
		Logger:              a.logger,
	})
	if err != nil {
		if err == store.ErrAuthInvalid {
			return errs.Wrap(errs.AuthInvalid, "appcontext: wrong password", err)
		}
		return fmt.Errorf("appcontext: open store: %w", err)
	}

	if err := store.NewMigrator(store.Steps()).Migrate(ctx, s); err != nil {
		s.Reset()
		return fmt.Errorf("appcontext: migrate: %w", err)
	}

	settingsRegistry, err := settings.NewRegistry(ctx, s)
	if err != nil {
		s.Reset()
		return fmt.Errorf("appcontext: load settings: %w", err)
	}

	hasFTS, err := s.HasFTS(ctx)
	if err != nil {
		s.Reset()
		return fmt.Errorf("appcontext: probe fts: %w", err)
	}

	vault := blobvault.New(a.cfg.Fs, a.cfg.DataDir, a.keyring.BlobKey)

	whisperDir := a.cfg.WhisperModelDir
	if whisperDir == "" {
		whisperDir = filepath.Join(a.cfg.DataDir, "whisper-models")
	}

	a.store = s
	a.settings = settingsRegistry
	a.vault = vault

	a.memories = dataaccess.NewMemoryStore(s)
	a.tags = dataaccess.NewTagStore(s)
	a.conversations = dataaccess.NewConversationStore(s)
	a.links = dataaccess.NewLinkStore(s)
	a.jobs = dataaccess.NewJobStore(s)

	a.searchEngine = search.New(s, hasFTS)
	a.llm = a.buildGateway(ctx)
	a.transcription = transcription.New(whisperDir, vault)
	a.enrichment = enrichment.New(a.memories, a.tags, a.conversations, a.llm, a.transcription, a.bus)
	a.chat = chat.New(a.conversations, a.memories, a.tags, a.searchEngine, a.llm, a.enrichment, a.bus)
	a.broadcaster = chat.NewBroadcaster(a.chat)
	a.graph = graph.New(a.memories, a.links)
	a.jobqueue = jobqueue.New(a.jobs, a.memories, a.llm, a.bus)
	a.enrichSupervisor = newSupervisor(enrichmentWorkerCount, enrichmentQueueCapacity)

	a.unlocked = true
	return nil
}

// IngestMemory is spec.md's ingest data flow end to end: DataAccess.create,
// an immediate MEMORY_CREATED publish, then scheduling enrichment onto the
// bounded worker pool so the caller gets its id back without waiting on any
// LLM call. Per spec.md §7's propagation policy, enrichment failures never
// propagate here — the worker itself emits MEMORY_UPDATED on failure, and
// a failed generation pass also increments the memory's processing_attempts.
func (a *AppContext) IngestMemory(ctx context.Context, in dataaccess.CreateInput) (int64, error) {
	memories, err := a.Memories()
	if err != nil {
		return 0, err
	}
	worker, err := a.Enrichment()
	if err != nil {
		return 0, err
	}

	id, err := memories.Create(ctx, in)
	if err != nil {
		return 0, err
	}
	a.bus.Publish(eventbus.NewMemoryCreated(id, nil))

	scheduled := a.enrichSupervisor.Schedule(func() {
		if err := worker.ProcessMemory(context.Background(), id); err != nil {
			a.logger.Warn("enrichment: process memory", zap.Error(err), zap.Int64("memory_id", id))
		}
	})
	if !scheduled {
		a.logger.Warn("enrichment: queue full, memory awaits a later reembed pass", zap.Int64("memory_id", id))
	}
	return id, nil
}

// IngestDocument is DocumentProcessor's upload-time half of spec.md §4.13:
// extract the PDF's text (rejecting whitespace-only documents before any
// blob is ever written), generate its thumbnail, seal both into the blob
// vault, then run the same create/publish/schedule flow IngestMemory does,
// scheduling ProcessDocumentMemory instead of ProcessMemory.
func (a *AppContext) IngestDocument(ctx context.Context, title *string, pdf []byte) (int64, error) {
	vault, err := a.Vault()
	if err != nil {
		return 0, err
	}
	memories, err := a.Memories()
	if err != nil {
		return 0, err
	}
	worker, err := a.Enrichment()
	if err != nil {
		return 0, err
	}

	text, pageCount, err := document.ExtractPDFText(pdf)
	if err != nil {
		return 0, err
	}

	documentPath, err := vault.Save(ctx, crypto.DomainDocument, pdf, "pdf")
	if err != nil {
		return 0, err
	}

	var thumbnailPath *string
	if thumb, err := document.GenerateThumbnail(pdf, 0); err == nil {
		name, err := vault.Save(ctx, crypto.DomainThumbnail, thumb, "jpg")
		if err != nil {
			a.logger.Warn("ingest document: save thumbnail", zap.Error(err))
		} else {
			thumbnailPath = &name
		}
	} else {
		a.logger.Warn("ingest document: generate thumbnail", zap.Error(err))
	}

	format := "pdf"
	id, err := memories.Create(ctx, dataaccess.CreateInput{
		Type:              dataaccess.TypeDocument,
		Title:             title,
		Content:           &text,
		DocumentPath:      &documentPath,
		DocumentFormat:    &format,
		DocumentPageCount: &pageCount,
		ThumbnailPath:     thumbnailPath,
	})
	if err != nil {
		return 0, err
	}
	a.bus.Publish(eventbus.NewMemoryCreated(id, nil))

	scheduled := a.enrichSupervisor.Schedule(func() {
		if err := worker.ProcessDocumentMemory(context.Background(), id); err != nil {
			a.logger.Warn("enrichment: process document memory", zap.Error(err), zap.Int64("memory_id", id))
		}
	})
	if !scheduled {
		a.logger.Warn("enrichment: queue full, document awaits a later reembed pass", zap.Int64("memory_id", id))
	}
	return id, nil
}

// buildGateway constructs an llmgateway.Gateway from the current settings
// snapshot; "local" is the distinguished provider name meaning no API key
// is required (an Ollama-style local server).
func (a *AppContext) buildGateway(ctx context.Context) *llmgateway.Gateway {
	snap := a.settings.Get()
	provider := llmgateway.ProviderConfig{
		Name:                  snap.AIProvider,
		BaseURL:               snap.AIBaseURL,
		DefaultChatModel:      snap.AIModel,
		DefaultEmbeddingModel: snap.AIEmbeddingModel,
		Local:                 snap.AIProvider == "local",
	}
	return llmgateway.New(provider, a.settings)
}

// RefreshGateway rebuilds the LLM gateway (and everything built on top of
// it) after a settings change that alters the active provider — callers
// should invoke this after settings.Registry.Set touches an "ai_*" key.
func (a *AppContext) RefreshGateway(ctx context.Context) error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if !a.unlocked {
		return errs.New(errs.AuthLocked, "appcontext: locked")
	}
	if err := a.settings.Reload(ctx); err != nil {
		return fmt.Errorf("appcontext: reload settings: %w", err)
	}

	a.llm = a.buildGateway(ctx)
	a.enrichment = enrichment.New(a.memories, a.tags, a.conversations, a.llm, a.transcription, a.bus)
	a.chat = chat.New(a.conversations, a.memories, a.tags, a.searchEngine, a.llm, a.enrichment, a.bus)
	a.broadcaster = chat.NewBroadcaster(a.chat)
	a.jobqueue = jobqueue.New(a.jobs, a.memories, a.llm, a.bus)
	return nil
}

// Logout clears key material and closes the database connection, returning
// the AppContext to its locked state. A subsequent Unlock is required.
func (a *AppContext) Logout() error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if !a.unlocked {
		return nil
	}

	a.enrichSupervisor.Close()

	err := a.store.Reset()
	if tErr := a.transcription.Close(); tErr != nil && err == nil {
		err = tErr
	}
	a.keyring.Logout()
	a.unlocked = false
	a.store, a.vault, a.settings = nil, nil, nil
	a.memories, a.tags, a.conversations, a.links, a.jobs = nil, nil, nil, nil, nil
	a.searchEngine, a.llm, a.enrichment, a.transcription = nil, nil, nil, nil
	a.chat, a.broadcaster, a.graph, a.jobqueue = nil, nil, nil, nil
	a.enrichSupervisor = nil
	return err
}

// Shutdown releases process resources on exit; unlike Logout this is a
// one-way terminal call (no further Setup/Unlock is expected), but the
// underlying action — closing the store and wiping key material — is the
// same.
func (a *AppContext) Shutdown() error {
	return a.Logout()
}

// Unlocked reports whether the context currently has an open store.
func (a *AppContext) Unlocked() bool {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.unlocked
}

func (a *AppContext) locked() error {
	if !a.unlocked {
		return errs.New(errs.AuthLocked, "appcontext: locked")
	}
	return nil
}

// Bus returns the event bus; it is usable before Unlock since subscribers
// may want to attach early (they simply receive nothing until then).
func (a *AppContext) Bus() *eventbus.Bus { return a.bus }

// Store returns the open encrypted store, or an AuthLocked error.
func (a *AppContext) Store() (*store.Store, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.store, nil
}

// Settings returns the settings registry, or an AuthLocked error.
func (a *AppContext) Settings() (*settings.Registry, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.settings, nil
}

// Memories returns the memory DataAccess store, or an AuthLocked error.
func (a *AppContext) Memories() (*dataaccess.MemoryStore, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.memories, nil
}

// Tags returns the tag DataAccess store, or an AuthLocked error.
func (a *AppContext) Tags() (*dataaccess.TagStore, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.tags, nil
}

// Conversations returns the conversation DataAccess store, or an
// AuthLocked error.
func (a *AppContext) Conversations() (*dataaccess.ConversationStore, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.conversations, nil
}

// Links returns the link DataAccess store, or an AuthLocked error.
func (a *AppContext) Links() (*dataaccess.LinkStore, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.links, nil
}

// Jobs returns the job DataAccess store, or an AuthLocked error.
func (a *AppContext) Jobs() (*dataaccess.JobStore, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.jobs, nil
}

// Search returns the hybrid search engine, or an AuthLocked error.
func (a *AppContext) Search() (*search.Engine, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.searchEngine, nil
}

// LLM returns the LLM gateway, or an AuthLocked error.
func (a *AppContext) LLM() (*llmgateway.Gateway, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.llm, nil
}

// Vault returns the blob vault, or an AuthLocked error.
func (a *AppContext) Vault() (*blobvault.Vault, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.vault, nil
}

// Enrichment returns the enrichment worker, or an AuthLocked error.
func (a *AppContext) Enrichment() (*enrichment.Worker, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.enrichment, nil
}

// Transcription returns the transcription engine, or an AuthLocked error.
func (a *AppContext) Transcription() (*transcription.Engine, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.transcription, nil
}

// Chat returns the chat orchestrator, or an AuthLocked error.
func (a *AppContext) Chat() (*chat.Orchestrator, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.chat, nil
}

// ChatStream returns the SSE broadcaster wrapping Chat, or an AuthLocked
// error.
func (a *AppContext) ChatStream() (*chat.Broadcaster, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.broadcaster, nil
}

// Graph returns the graph analytics service, or an AuthLocked error.
func (a *AppContext) Graph() (*graph.Service, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.graph, nil
}

// JobQueue returns the job queue manager, or an AuthLocked error.
func (a *AppContext) JobQueue() (*jobqueue.Manager, error) {
	if err := a.locked(); err != nil {
		return nil, err
	}
	return a.jobqueue, nil
}
