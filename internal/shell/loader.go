package shell

import (
	"context"
	_ "embed"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Template is the default shell page: a debug line and the mount container.
//
//go:embed shell.html
var Template []byte

// Loader runs one load of a mini-app into a shell document.
type Loader struct {
	cfg     Config
	doc     *Document
	fetcher Fetcher
	mounter *Mounter
	log     *zap.Logger

	state State
}

func NewLoader(cfg Config, doc *Document, fetcher Fetcher, exec Executor, reg Registrar, log *zap.Logger) *Loader {
	log = log.With(zap.String("load", uuid.NewString()))
	l := &Loader{
		cfg:     cfg,
		doc:     doc,
		fetcher: fetcher,
		mounter: NewMounter(cfg, doc, exec, reg, log),
		log:     log,
	}
	l.mounter.Progress = func(msg string) { l.dispatch(Progress{Message: msg}) }
	return l
}

func (l *Loader) State() State { return l.state }

func (l *Loader) dispatch(a Action) {
	l.state = Reduce(l.state, a)
	l.doc.SetText(l.cfg.DebugElement, l.state.Debug)
	l.log.Debug("shell", zap.Stringer("phase", l.state.Phase), zap.String("debug", l.state.Debug))
}

// Load resolves the slug from hostname, fetches the bundle and mounts it.
// Resolution and fetch failures end the load with Phase failed; mount
// failures leave it mounted with the diagnostic in the debug line.
func (l *Loader) Load(ctx context.Context, hostname string) State {
	l.dispatch(Started{})

	slug, ok := ResolveSlug(hostname)
	if !ok {
		l.dispatch(SlugMissing{})
		l.showError()
		l.log.Info("no slug in host", zap.String("host", hostname))
		return l.state
	}
	l.log = l.log.With(zap.String("slug", slug))
	l.dispatch(SlugResolved{Slug: slug})

	manifest, bundle, err := FetchBundle(ctx, l.fetcher, slug, func(msg string) { l.dispatch(Progress{Message: msg}) })
	if err != nil {
		l.dispatch(FetchFailed{Err: err})
		l.showError()
		l.log.Warn("bundle fetch failed", zap.Error(err))
		return l.state
	}
	l.dispatch(BundleFetched{Manifest: manifest, Bundle: bundle})

	l.dispatch(Progress{Message: "Injecting mini program content..."})
	msg, err := l.mounter.Mount(ctx, bundle)
	if err != nil {
		l.dispatch(MountFailed{Err: err})
		var me *MountError
		if errors.As(err, &me) {
			l.log.Warn("mount failed", zap.Int("step", me.Step), zap.String("kind", string(me.Kind)), zap.Error(me.Err))
		}
		return l.state
	}
	l.dispatch(Mounted{Message: msg})
	l.log.Info("mini program mounted", zap.String("name", manifest.Name()))
	return l.state
}

// showError replaces the container content with the error line.
func (l *Loader) showError() {
	div := newElement("div")
	setAttr(div, "class", "shell-error")
	setTextContent(div, l.state.Message)
	_ = l.doc.replaceChildren(l.cfg.Container, []*html.Node{div})
}
