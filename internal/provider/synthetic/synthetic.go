package synthetic

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
	"github.com/cuongbtq/mediagen-orchestrator/internal/provider"
)

const (
	name      = "synthetic"
	refPrefix = "syn-"
)

// Adapter fakes a remote backend without credentials. Every job succeeds
// once settleAfter has elapsed since submission, unless the model is listed
// as failing.
//
// The reference carries everything Poll needs, so any process holding an
// Adapter configured the same way can poll a job another process submitted.
type Adapter struct {
	settleAfter time.Duration
	baseURL     string
	failModels  map[string]bool
	now         func() time.Time

	mu       sync.Mutex
	canceled map[string]bool
}

// refState is the payload encoded into a reference
type refState struct {
	Kind        domain.JobKind `json:"k"`
	Model       string         `json:"m"`
	SubmittedAt int64          `json:"t"`
	Nonce       string         `json:"n"`
}

// Option customises an Adapter
type Option func(*Adapter)

// WithClock replaces the wall clock used for settle decisions
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func New(settleAfter time.Duration, baseURL string, failModels []string, opts ...Option) *Adapter {
	if settleAfter < 0 {
		settleAfter = 0
	}
	a := &Adapter{
		settleAfter: settleAfter,
		baseURL:     baseURL,
		failModels:  make(map[string]bool, len(failModels)),
		now:         time.Now,
		canceled:    make(map[string]bool),
	}
	for _, m := range failModels {
		a.failModels[m] = true
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string {
	return name
}

func (a *Adapter) Submit(ctx context.Context, req provider.SubmitRequest) (provider.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return provider.SubmitResult{}, &provider.Error{Kind: provider.ErrUnavailable, Provider: name, Message: err.Error()}
	}
	if req.Model == "" {
		return provider.SubmitResult{}, &provider.Error{Kind: provider.ErrInvalidInput, Provider: name, Message: "model is required"}
	}

	nonce := make([]byte, 6)
	if _, err := rand.Read(nonce); err != nil {
		return provider.SubmitResult{}, &provider.Error{Kind: provider.ErrUnavailable, Provider: name, Message: err.Error()}
	}
	ref, err := encodeRef(refState{
		Kind:        req.Kind,
		Model:       req.Model,
		SubmittedAt: a.now().UnixNano(),
		Nonce:       hex.EncodeToString(nonce),
	})
	if err != nil {
		return provider.SubmitResult{}, &provider.Error{Kind: provider.ErrInvalidInput, Provider: name, Message: err.Error()}
	}
	return provider.SubmitResult{Ref: ref, Status: provider.StatusRunning}, nil
}

func (a *Adapter) Poll(ctx context.Context, ref string) (provider.PollResult, error) {
	st, err := decodeRef(ref)
	if err != nil {
		return provider.PollResult{}, &provider.Error{Kind: provider.ErrInvalidInput, Provider: name, Message: "unknown prediction " + ref}
	}

	a.mu.Lock()
	canceled := a.canceled[ref]
	a.mu.Unlock()
	if canceled {
		return provider.PollResult{Status: provider.StatusCanceled}, nil
	}

	if a.now().Sub(time.Unix(0, st.SubmittedAt)) < a.settleAfter {
		return provider.PollResult{Status: provider.StatusRunning}, nil
	}
	if a.failModels[st.Model] {
		return provider.PollResult{Status: provider.StatusFailed, Message: "synthetic failure for model " + st.Model}, nil
	}
	return provider.PollResult{
		Status: provider.StatusSucceeded,
		Output: []string{fmt.Sprintf("%s/%s.%s", a.baseURL, st.Nonce, extension(st.Kind))},
	}, nil
}

// Cancel marks the reference canceled for this process. Other processes see
// the cancellation through the stored job status, which every poller checks
// before polling.
func (a *Adapter) Cancel(ctx context.Context, ref string) error {
	if _, err := decodeRef(ref); err != nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.canceled[ref] = true
	return nil
}

func encodeRef(st refState) (string, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return refPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeRef(ref string) (refState, error) {
	var st refState
	payload, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return st, fmt.Errorf("missing %q prefix", refPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, err
	}
	if st.Model == "" || st.Nonce == "" {
		return st, fmt.Errorf("incomplete reference")
	}
	return st, nil
}

func extension(kind domain.JobKind) string {
	switch kind {
	case domain.KindImageGeneration:
		return "png"
	case domain.KindVoiceClone, domain.KindVoiceSynthesis:
		return "mp3"
	default:
		return "mp4"
	}
}
