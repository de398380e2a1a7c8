package shell

import "fmt"

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseResolving
	PhaseFetching
	PhaseMounting
	PhaseMounted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseResolving:
		return "resolving"
	case PhaseFetching:
		return "fetching"
	case PhaseMounting:
		return "mounting"
	case PhaseMounted:
		return "mounted"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is everything the shell shows about the current load. It only
// changes through Reduce.
type State struct {
	Phase    Phase
	Slug     string
	Manifest *Manifest
	Bundle   *Bundle
	Loading  bool

	// Err is terminal: resolution or fetch failure.
	Err error
	// Message is the user-facing error line for Err.
	Message string
	// MountErr is a degraded mount: the shell keeps what was mounted.
	MountErr error
	// Debug is the single status line.
	Debug string
}

// Action is an input to Reduce.
type Action interface{ isAction() }

type (
	Started       struct{}
	SlugResolved  struct{ Slug string }
	SlugMissing   struct{}
	Progress      struct{ Message string }
	BundleFetched struct {
		Manifest Manifest
		Bundle   Bundle
	}
	FetchFailed struct{ Err error }
	Mounted     struct{ Message string }
	MountFailed struct{ Err error }
)

func (Started) isAction()       {}
func (SlugResolved) isAction()  {}
func (SlugMissing) isAction()   {}
func (Progress) isAction()      {}
func (BundleFetched) isAction() {}
func (FetchFailed) isAction()   {}
func (Mounted) isAction()       {}
func (MountFailed) isAction()   {}

// Reduce returns the state after a. A failed load is terminal and ignores
// further actions.
func Reduce(s State, a Action) State {
	if s.Phase == PhaseFailed {
		return s
	}
	switch a := a.(type) {
	case Started:
		return State{Phase: PhaseResolving, Loading: true, Debug: "Starting mini program ..."}

	case SlugResolved:
		s.Phase = PhaseFetching
		s.Slug = a.Slug
		s.Debug = "Loading mini program resources for slug: " + a.Slug
		return s

	case SlugMissing:
		s.Phase = PhaseFailed
		s.Loading = false
		s.Err = ErrNoSlug
		s.Message = "Invalid mini program URL: missing slug."
		s.Debug = "No slug found in subdomain."
		return s

	case Progress:
		s.Debug = a.Message
		return s

	case BundleFetched:
		m, b := a.Manifest, a.Bundle
		s.Phase = PhaseMounting
		s.Manifest = &m
		s.Bundle = &b
		s.Loading = false
		s.Debug = "All mini program resources loaded. Setting mini program content..."
		return s

	case FetchFailed:
		s.Phase = PhaseFailed
		s.Loading = false
		s.Manifest = nil
		s.Bundle = nil
		s.Err = a.Err
		s.Message = "Failed to load app resources: " + a.Err.Error()
		s.Debug = "Error: " + a.Err.Error()
		return s

	case Mounted:
		s.Phase = PhaseMounted
		s.Debug = a.Message
		return s

	case MountFailed:
		s.Phase = PhaseMounted
		s.MountErr = a.Err
		s.Debug = "Unable to inject mini program content: " + a.Err.Error()
		return s
	}
	return s
}
