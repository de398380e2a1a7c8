package shell

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config names the contract between the shell and a mini-app.
type Config struct {
	Container     string
	DebugElement  string
	StartHook     string
	Anchor        string
	RuntimeSymbol string
	RuntimeURL    string
	PollInterval  time.Duration
	AnchorTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Container:     "app-container",
		DebugElement:  "debug",
		StartHook:     "startShapeApp",
		Anchor:        "cameraBtn",
		RuntimeSymbol: "ort",
		RuntimeURL:    "https://cdn.jsdelivr.net/npm/onnxruntime-web@1.16.3/dist/ort.min.js",
		PollInterval:  50 * time.Millisecond,
		AnchorTimeout: 5 * time.Second,
	}
}

// Registration asks for a mini-app's worker to be installed.
type Registration struct {
	ScriptURL string
	Scope     string
	Source    string
}

type Registrar interface {
	Register(ctx context.Context, reg Registration) error
}

type ErrorKind string

const (
	KindInjection ErrorKind = "injection"
	KindExecution ErrorKind = "execution"
)

// MountError is a failed mount step. The shell keeps what earlier steps
// mounted.
type MountError struct {
	Step int
	Kind ErrorKind
	Err  error
}

func (e *MountError) Error() string { return e.Err.Error() }

func (e *MountError) Unwrap() error { return e.Err }

// Mounter puts a fetched bundle into a Document and runs it.
type Mounter struct {
	cfg  Config
	doc  *Document
	exec Executor
	reg  Registrar
	log  *zap.Logger

	// Progress receives the status line of each step.
	Progress func(string)
}

func NewMounter(cfg Config, doc *Document, exec Executor, reg Registrar, log *zap.Logger) *Mounter {
	return &Mounter{cfg: cfg, doc: doc, exec: exec, reg: reg, log: log}
}

func (m *Mounter) progress(msg string) {
	if m.Progress != nil {
		m.Progress(msg)
	}
}

// Mount runs the six mount steps in order and returns the status line to
// show on success.
func (m *Mounter) Mount(ctx context.Context, b Bundle) (string, error) {
	// 1. markup without external scripts
	m.progress("Parsing and injecting mini program HTML...")
	fr, err := parseBundleHTML(b.HTML)
	if err != nil {
		return "", &MountError{Step: 1, Kind: KindInjection, Err: err}
	}
	if fr.stripped > 0 {
		m.log.Info("stripped external scripts from mini program HTML", zap.Int("count", fr.stripped))
	}
	if err := m.doc.replaceChildren(m.cfg.Container, fr.body); err != nil {
		return "", &MountError{Step: 1, Kind: KindInjection, Err: err}
	}

	// 2. styles
	m.progress("Injecting mini program styles...")
	m.doc.hoistStyles(fr.styles)

	// 3. shared runtime
	m.progress(fmt.Sprintf("Ensuring runtime (%s) is loaded...", m.cfg.RuntimeSymbol))
	if err := m.exec.EnsureGlobal(ctx, m.cfg.RuntimeSymbol, m.cfg.RuntimeURL); err != nil {
		return "", &MountError{Step: 3, Kind: KindInjection, Err: fmt.Errorf("failed to load runtime: %w", err)}
	}

	// 4. worker
	m.progress("Registering mini program service worker...")
	if m.reg != nil && b.ServiceWorker != "" {
		err := m.reg.Register(ctx, Registration{ScriptURL: AppPath(b.Slug, ResWorker), Scope: "/", Source: b.ServiceWorker})
		if err != nil {
			m.log.Warn("service worker registration failed", zap.String("slug", b.Slug), zap.Error(err))
		}
	}

	// 5. app script
	m.progress("Executing mini program JS...")
	if err := m.exec.Exec(ctx, AppPath(b.Slug, ResJS), RewriteModelRefs(b.JS, b.Slug)); err != nil {
		return "", &MountError{Step: 5, Kind: KindExecution, Err: fmt.Errorf("error executing app JavaScript: %w", err)}
	}

	// 6. start hook
	if !m.exec.HasHook(m.cfg.StartHook) {
		return fmt.Sprintf("App JS executed. window.%s not found!", m.cfg.StartHook), nil
	}
	m.progress(fmt.Sprintf("Waiting for #%s to exist before starting app...", m.cfg.Anchor))
	if err := m.exec.StartWhenReady(ctx, m.cfg.StartHook, m.cfg.Anchor, m.cfg.PollInterval, m.cfg.AnchorTimeout); err != nil {
		return "", &MountError{Step: 6, Kind: KindExecution, Err: err}
	}
	return fmt.Sprintf("Found #%s, starting app...", m.cfg.Anchor), nil
}
