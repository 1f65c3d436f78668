// Package registration coordinates account creation at the identity
// provider with the local profile record and the verification mail.
package registration

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/christopherjohns/bookreview/internal/identity"
	"github.com/christopherjohns/bookreview/internal/metrics"
	"github.com/christopherjohns/bookreview/internal/profile"
	"github.com/christopherjohns/bookreview/internal/ratelimit"
)

// State is a step of a single registration attempt.
//
//	start -> identity_resolved -> verification_attempted -> persisted
type State string

const (
	StateStart                 State = "start"
	StateIdentityResolved      State = "identity_resolved"
	StateVerificationAttempted State = "verification_attempted"
	StatePersisted             State = "persisted"
)

// Status tells the caller which path a successful registration took.
type Status int

const (
	// StatusCreated means a new identity was created.
	StatusCreated Status = iota + 1
	// StatusResent means the email was already registered and the
	// verification mail was sent again.
	StatusResent
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusResent:
		return "resent"
	}
	return "unknown"
}

// Request is the input of Register. Password is forwarded to the identity
// provider and never stored.
type Request struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	Email    string `json:"email" validate:"required"`
}

// Result describes a registration that reached the identity provider.
type Result struct {
	DurableID string
	Status    Status
}

// ProfileStore persists the local profile row.
type ProfileStore interface {
	Upsert(ctx context.Context, p profile.Profile) (bool, error)
}

// Verifier delivers the verification link to the user.
type Verifier interface {
	SendVerification(ctx context.Context, to, username, link string) error
}

// Coordinator runs registrations. It holds no per-request state and is
// safe for concurrent use.
type Coordinator struct {
	provider        identity.Provider
	verifier        Verifier
	profiles        ProfileStore
	resend          ratelimit.Limiter
	metrics         *metrics.Metrics
	validate        *validator.Validate
	providerTimeout time.Duration
	mailTimeout     time.Duration
	log             *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithResendLimiter throttles verification resends per email address.
func WithResendLimiter(l ratelimit.Limiter) Option {
	return func(c *Coordinator) { c.resend = l }
}

// WithTimeouts bounds each identity provider call and each mail send.
// Zero leaves the caller's context untouched.
func WithTimeouts(provider, mail time.Duration) Option {
	return func(c *Coordinator) {
		c.providerTimeout = provider
		c.mailTimeout = mail
	}
}

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New returns a Coordinator using the given collaborators.
func New(provider identity.Provider, verifier Verifier, profiles ProfileStore, log *zap.Logger, opts ...Option) *Coordinator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	c := &Coordinator{
		provider: provider,
		verifier: verifier,
		profiles: profiles,
		resend:   ratelimit.Unlimited{},
		validate: v,
		log:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register creates or reconciles the identity for req.Email, sends the
// verification mail and records the local profile.
//
// A failed verification mail does not stop the profile from being written:
// in that case Register returns both the Result and a *Error of kind
// KindVerificationDispatch. A profile store failure dominates and is
// returned with the durable id so the row can be reconciled later.
func (c *Coordinator) Register(ctx context.Context, req Request) (Result, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	if err := c.validate.Struct(req); err != nil {
		return Result{}, c.fail(&Error{Kind: KindValidation, Stage: StateStart, Err: validationError(err)})
	}

	log := c.log.With(zap.String("email", req.Email))

	id, status, err := c.resolveIdentity(ctx, req)
	if err != nil {
		return Result{}, c.fail(&Error{Kind: KindIdentityProvider, Stage: StateStart, Err: err})
	}
	log = log.With(zap.String("durable_id", id), zap.Stringer("path", status))
	log.Debug("registration state", zap.String("state", string(StateIdentityResolved)))

	verifyErr := c.dispatchVerification(ctx, req, id, status)
	log.Debug("registration state", zap.String("state", string(StateVerificationAttempted)), zap.Error(verifyErr))

	_, err = c.profiles.Upsert(ctx, profile.Profile{
		DurableID: id,
		Username:  req.Username,
		Email:     req.Email,
	})
	if err != nil {
		return Result{DurableID: id, Status: status}, c.fail(&Error{
			Kind:      KindProfileStore,
			Stage:     StateVerificationAttempted,
			DurableID: id,
			Err:       err,
		})
	}
	log.Debug("registration state", zap.String("state", string(StatePersisted)))

	result := Result{DurableID: id, Status: status}
	if verifyErr != nil {
		return result, c.fail(&Error{
			Kind:      KindVerificationDispatch,
			Stage:     StateIdentityResolved,
			DurableID: id,
			Err:       verifyErr,
		})
	}

	c.count(status.String())
	log.Info("registration complete")
	return result, nil
}

func (c *Coordinator) resolveIdentity(ctx context.Context, req Request) (string, Status, error) {
	pctx, cancel := withTimeout(ctx, c.providerTimeout)
	defer cancel()

	created, err := c.provider.CreateIdentity(pctx, identity.NewIdentity{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.Username,
	})
	if err == nil {
		return created.DurableID, StatusCreated, nil
	}
	if !errors.Is(err, identity.ErrIdentityExists) {
		return "", 0, err
	}

	existing, err := c.provider.FindIdentityByEmail(pctx, req.Email)
	if err != nil {
		return "", 0, fmt.Errorf("identity exists but lookup failed: %w", err)
	}
	return existing.DurableID, StatusResent, nil
}

func (c *Coordinator) dispatchVerification(ctx context.Context, req Request, id string, status Status) error {
	if status == StatusResent {
		ok, err := c.resend.Allow(ctx, strings.ToLower(req.Email))
		if err != nil {
			c.log.Warn("resend limiter unavailable", zap.Error(err))
		} else if !ok {
			c.countDispatch("throttled")
			return ErrResendThrottled
		}
	}

	pctx, cancel := withTimeout(ctx, c.providerTimeout)
	link, err := c.provider.GenerateVerificationLink(pctx, req.Email)
	cancel()
	if err != nil {
		c.countDispatch("failed")
		return fmt.Errorf("generate link: %w", err)
	}

	mctx, cancel := withTimeout(ctx, c.mailTimeout)
	defer cancel()
	if err := c.verifier.SendVerification(mctx, req.Email, req.Username, link); err != nil {
		c.countDispatch("failed")
		return fmt.Errorf("send mail: %w", err)
	}
	c.countDispatch("sent")
	return nil
}

func (c *Coordinator) fail(e *Error) *Error {
	c.count(string(e.Kind))
	fields := []zap.Field{zap.String("kind", string(e.Kind)), zap.String("stage", string(e.Stage)), zap.Error(e.Err)}
	if e.DurableID != "" {
		fields = append(fields, zap.String("durable_id", e.DurableID))
	}
	if e.Kind == KindValidation {
		c.log.Debug("registration rejected", fields...)
	} else {
		c.log.Warn("registration failed", fields...)
	}
	return e
}

func (c *Coordinator) count(outcome string) {
	if c.metrics != nil {
		c.metrics.Registrations.WithLabelValues(outcome).Inc()
	}
}

func (c *Coordinator) countDispatch(result string) {
	if c.metrics != nil {
		c.metrics.VerificationDispatch.WithLabelValues(result).Inc()
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return fmt.Errorf("missing required fields: %s", strings.Join(fields, ", "))
}
