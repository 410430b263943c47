package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Credentials Credentials
	Timeout     time.Duration
	// RateLimit is the number of outbound calls per second. Zero disables it.
	RateLimit  float64
	Burst      int
	SessionTTL time.Duration
}

// Gateway owns the authenticated session shared by all workers and wraps
// every call to the Transport so that nothing but a Result comes out.
type Gateway struct {
	transport Transport
	cfg       GatewayConfig
	logger    *zap.Logger
	limiter   *rate.Limiter
	now       func() time.Time

	mu      sync.RWMutex
	session *Session
	logins  singleflight.Group
}

func NewGateway(transport Transport, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Gateway{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		limiter:   limiter,
		now:       time.Now,
	}
}

// EnsureAuthenticated reports whether a usable session exists, logging in
// if there is none.
func (g *Gateway) EnsureAuthenticated(ctx context.Context) bool {
	_, err := g.currentSession(ctx)
	return err == nil
}

// Publish uploads the artifact to the feed with a caption.
func (g *Gateway) Publish(ctx context.Context, artifactPath, caption string) Result {
	return g.do(ctx, "publish", func(ctx context.Context, s *Session) (string, error) {
		return g.transport.UploadPhoto(ctx, s, artifactPath, caption)
	})
}

// PublishStory uploads the artifact as a story.
func (g *Gateway) PublishStory(ctx context.Context, artifactPath string) Result {
	return g.do(ctx, "publish_story", func(ctx context.Context, s *Session) (string, error) {
		return g.transport.UploadStory(ctx, s, artifactPath)
	})
}

type call func(ctx context.Context, s *Session) (string, error)

func (g *Gateway) do(ctx context.Context, op string, fn call) (res Result) {
	start := g.now()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Transport panicked", zap.String("op", op), zap.Any("panic", r))
			res = Failure(ErrPublishFailed, fmt.Sprintf("%s: transport panic: %v", op, r))
		}
		res.Duration = g.now().Sub(start)
	}()

	session, err := g.currentSession(ctx)
	if err != nil {
		return Failure(ErrAuthExhausted, fmt.Sprintf("%s: could not establish session: %v", op, err))
	}

	id, err := g.invoke(ctx, fn, session)
	if errors.Is(err, ErrSessionExpired) {
		g.logger.Info("Session expired, re-authenticating", zap.String("op", op))
		session, err = g.login(ctx, session)
		if err != nil {
			return Failure(ErrAuthExhausted, fmt.Sprintf("%s: re-authentication failed: %v", op, err))
		}
		id, err = g.invoke(ctx, fn, session)
		if errors.Is(err, ErrSessionExpired) {
			return Failure(ErrAuthExhausted, fmt.Sprintf("%s: session rejected after re-authentication", op))
		}
	}
	if err != nil {
		return Failure(ErrPublishFailed, fmt.Sprintf("%s: %v", op, err))
	}
	if id == "" {
		return Failure(ErrPublishFailed, fmt.Sprintf("%s: remote returned no id", op))
	}

	return Result{Success: true, ExternalID: id}
}

func (g *Gateway) invoke(ctx context.Context, fn call, session *Session) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	id, err := fn(callCtx, session)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrSessionExpired) {
		return "", fmt.Errorf("timed out after %s: %w", g.cfg.Timeout, err)
	}
	return id, err
}

func (g *Gateway) currentSession(ctx context.Context) (*Session, error) {
	g.mu.RLock()
	s := g.session
	g.mu.RUnlock()
	if s.Valid(g.now()) {
		return s, nil
	}
	return g.login(ctx, s)
}

// login replaces stale with a fresh session. Concurrent callers share one
// Authenticate call; a caller whose stale session was already replaced gets
// the replacement without logging in again. The shared call is detached from
// any one caller, so a caller that gives up does not fail the others.
func (g *Gateway) login(ctx context.Context, stale *Session) (*Session, error) {
	ch := g.logins.DoChan("login", func() (v interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Authentication panicked", zap.Any("panic", r))
				v, err = nil, fmt.Errorf("authenticate panicked: %v", r)
			}
		}()

		g.mu.RLock()
		current := g.session
		g.mu.RUnlock()
		if current != stale && current.Valid(g.now()) {
			return current, nil
		}

		authCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
		defer cancel()

		s, err := g.transport.Authenticate(authCtx, g.cfg.Credentials)
		if err != nil {
			g.logger.Error("Authentication failed", zap.Error(err))
			return nil, err
		}
		if s == nil || s.Token == "" {
			return nil, errors.New("remote returned an empty session")
		}
		if s.ExpiresAt.IsZero() {
			s.ExpiresAt = g.now().Add(g.cfg.SessionTTL)
		}

		g.mu.Lock()
		g.session = s
		g.mu.Unlock()
		g.logger.Info("Authenticated with publish API", zap.Time("expires_at", s.ExpiresAt))
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			g.logger.Debug("Joined in-flight authentication")
		}
		return r.Val.(*Session), nil
	}
}
