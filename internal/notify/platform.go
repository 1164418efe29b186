package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Permission is the notification permission lifecycle.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionPrompt  Permission = "prompt"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission validates a permission name. Empty means default.
func ParsePermission(raw string) (Permission, error) {
	switch p := Permission(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PermissionDefault, nil
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return p, nil
	default:
		return "", fmt.Errorf("unknown permission %q", raw)
	}
}

var (
	// ErrPermissionDenied is returned by RequestPermission when the user refuses.
	ErrPermissionDenied = errors.New("notification permission denied")
	// ErrUnavailable means no notification platform is present.
	ErrUnavailable = errors.New("notification platform unavailable")
)

// Platform is the host notification API.
type Platform interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Show(ctx context.Context, p Payload) error
	// CloseTag dismisses visible notifications with tag and returns how many.
	CloseTag(ctx context.Context, tag string) (int, error)
	SubscribePush(ctx context.Context) error
}

// Prompter runs the explanatory step before the platform prompt. It
// reports whether the user wants notifications.
type Prompter interface {
	Explain(ctx context.Context) (bool, error)
}

// StaticPrompter always gives the same answer.
type StaticPrompter bool

func (s StaticPrompter) Explain(context.Context) (bool, error) {
	return bool(s), nil
}

// LogPlatform is a platform for headless use: notifications go to the log
// and visible tags are tracked in memory.
type LogPlatform struct {
	logger *zap.Logger
	answer Permission

	mu         sync.Mutex
	permission Permission
	visible    map[string]int
}

// NewLogPlatform creates a log-backed platform. initial is the permission
// it starts with; answer is what a permission request resolves to.
func NewLogPlatform(initial, answer Permission, logger *zap.Logger) *LogPlatform {
	if logger == nil {
		logger = zap.NewNop()
	}
	if answer == "" || answer == PermissionPrompt {
		answer = PermissionGranted
	}
	return &LogPlatform{logger: logger, answer: answer, permission: initial, visible: make(map[string]int)}
}

func (p *LogPlatform) Permission() Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

func (p *LogPlatform) RequestPermission(context.Context) (Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permission = p.answer
	return p.permission, nil
}

func (p *LogPlatform) Show(_ context.Context, n Payload) error {
	p.mu.Lock()
	p.visible[n.Tag]++
	p.mu.Unlock()
	p.logger.Info("notification",
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.String("kind", n.Kind),
		zap.String("priority", string(n.Priority)),
		zap.String("tag", n.Tag),
		zap.Bool("require_interaction", n.RequireInteraction),
		zap.Ints("vibration", n.Vibration),
	)
	return nil
}

func (p *LogPlatform) CloseTag(_ context.Context, tag string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.visible[tag]
	delete(p.visible, tag)
	return n, nil
}

func (p *LogPlatform) SubscribePush(context.Context) error {
	p.logger.Debug("push subscription is not available on the log platform")
	return nil
}
