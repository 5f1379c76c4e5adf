// Package session owns the single source of truth for "who is logged
// in". Identity can change for four independent reasons: an explicit
// login/register/logout call, an advisory auth event pushed by the
// directory, a periodic health check, and a visibility-regained check.
// The Manager serializes all of them through one arbitration loop.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tandemapp/tandem/internal/bus"
	"github.com/tandemapp/tandem/internal/directory"
	"go.uber.org/zap"
)

// Directory is the auth surface of the remote directory consumed by the
// Manager.
type Directory interface {
	SignIn(ctx context.Context, cred directory.Credential) (*directory.Session, error)
	SignUp(ctx context.Context, payload directory.RegisterPayload) (*directory.Session, error)
	SignOut(ctx context.Context) error
	GetSession(ctx context.Context) (*directory.Session, error)
	GetUser(ctx context.Context, id string) (*directory.User, error)
	SetToken(token string)
}

// Options tune the Manager's deadlines and intervals.
type Options struct {
	RequestTimeout      time.Duration
	ProfileTimeout      time.Duration
	HealthCheckInterval time.Duration
}

func (o *Options) defaults() {
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.ProfileTimeout == 0 {
		o.ProfileTimeout = 5 * time.Second
	}
	if o.HealthCheckInterval == 0 {
		o.HealthCheckInterval = time.Minute
	}
}

type itemKind int

const (
	itemLogin itemKind = iota
	itemRegister
	itemLogout
	itemRestore
	itemAdvisory
	itemHealthCheck
	itemProfileResult
)

type result struct {
	identity *Identity
	err      error
}

// item is one unit of work on the arbitration queue. Advisory and
// profile-result items carry the epoch observed at enqueue time; the
// loop uses it to discard signals that predate the settling of a more
// recent explicit call.
type item struct {
	kind  itemKind
	epoch uint64

	cred  directory.Credential
	reg   directory.RegisterPayload
	reply chan result

	auth directory.AuthEvent

	profileFor  string
	profileUser *directory.User
	profileErr  error
}

// Manager arbitrates session state. While an explicit login, register
// or logout is in flight, push-originated transitions captured earlier
// are discarded once the explicit call settles, so a stale "signed out"
// push can never overwrite a fresh login.
type Manager struct {
	dir     Directory
	machine *Machine
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options

	inbox chan item
	// epoch is bumped each time an explicit call settles.
	epoch        atomic.Uint64
	refreshTimer *time.Timer
	cancel       context.CancelFunc
}

// NewManager creates a session manager.
func NewManager(dir Directory, machine *Machine, b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		dir:     dir,
		machine: machine,
		bus:     b,
		logger:  logger,
		opts:    opts,
		inbox:   make(chan item, 64),
	}
}

// Start launches the arbitration loop, the advisory-event forwarder and
// the health-check ticker.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	// Subscribe before returning so advisory events published right
	// after Start cannot be missed while the forwarder goroutine waits
	// to be scheduled.
	ch, unsub := m.bus.Subscribe("auth.", 64)
	go m.run(ctx)
	go m.forwardAuthEvents(ctx, ch, unsub)
	go m.healthTicker(ctx)
}

// Stop shuts the manager down. Idempotent.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// CurrentStatus returns a snapshot of the session status.
func (m *Manager) CurrentStatus() Status {
	return m.machine.Current()
}

// Login authenticates with an explicit credential. Invalid input is
// rejected before any network call.
func (m *Manager) Login(ctx context.Context, cred directory.Credential) (*Identity, error) {
	if err := validateCredential(cred); err != nil {
		return nil, err
	}
	return m.roundTrip(ctx, item{kind: itemLogin, cred: cred})
}

// Register creates a new account and signs it in.
func (m *Manager) Register(ctx context.Context, payload directory.RegisterPayload) (*Identity, error) {
	if err := validateRegister(payload); err != nil {
		return nil, err
	}
	return m.roundTrip(ctx, item{kind: itemRegister, reg: payload})
}

// Logout clears local state immediately and notifies the directory
// best-effort; a directory-side failure is logged, never surfaced.
func (m *Manager) Logout(ctx context.Context) error {
	_, err := m.roundTrip(ctx, item{kind: itemLogout})
	return err
}

// Restore attempts to resume a previous session from an access token
// already loaded into the directory client, typically at startup. A
// rejected or unreachable directory leaves the session signed out.
func (m *Manager) Restore(ctx context.Context) (*Identity, error) {
	return m.roundTrip(ctx, item{kind: itemRestore})
}

// ResumeFromBackground schedules an immediate session check, used when
// the app regains visibility.
func (m *Manager) ResumeFromBackground() {
	m.enqueue(item{kind: itemHealthCheck})
}

func (m *Manager) roundTrip(ctx context.Context, it item) (*Identity, error) {
	it.reply = make(chan result, 1)
	select {
	case m.inbox <- it:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-it.reply:
		return r.identity, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue posts an item without blocking; a saturated inbox drops the
// signal, which is safe for ticks and advisories (the next tick repeats
// the work).
func (m *Manager) enqueue(it item) {
	select {
	case m.inbox <- it:
	default:
	}
}

func (m *Manager) forwardAuthEvents(ctx context.Context, ch <-chan bus.Event, unsub func()) {
	defer unsub()
	for {
		select {
		case evt := <-ch:
			ae, ok := evt.Payload.(directory.AuthEvent)
			if !ok {
				continue
			}
			m.enqueue(item{kind: itemAdvisory, epoch: m.epoch.Load(), auth: ae})
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) healthTicker(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.enqueue(item{kind: itemHealthCheck})
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-m.inbox:
			switch it.kind {
			case itemLogin:
				m.handleLogin(ctx, it)
			case itemRegister:
				m.handleRegister(ctx, it)
			case itemLogout:
				m.handleLogout(ctx, it)
			case itemRestore:
				m.handleRestore(ctx, it)
			case itemAdvisory:
				if it.epoch < m.epoch.Load() {
					m.logger.Info("discarding stale auth event",
						zap.String("event", it.auth.Event))
					continue
				}
				m.handleAdvisory(ctx, it.auth)
			case itemHealthCheck:
				m.handleHealthCheck(ctx)
			case itemProfileResult:
				m.handleProfileResult(it)
			}
		}
	}
}

func (m *Manager) handleLogin(ctx context.Context, it item) {
	cur := m.machine.Current()
	if cur.State != SignedOut {
		it.reply <- result{err: fmt.Errorf("login: session is %s", cur.State)}
		return
	}
	_ = m.machine.Transition(Status{State: Authenticating})

	cctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	sess, err := m.dir.SignIn(cctx, it.cred)
	cancel()
	if err != nil {
		_ = m.machine.Transition(Status{State: SignedOut})
		m.epoch.Add(1)
		it.reply <- result{err: err}
		return
	}

	id := m.applySession(sess)
	ep := m.epoch.Add(1)
	m.spawnProfileFetch(ctx, id.ID, ep)
	it.reply <- result{identity: id}
}

func (m *Manager) handleRegister(ctx context.Context, it item) {
	cur := m.machine.Current()
	if cur.State != SignedOut {
		it.reply <- result{err: fmt.Errorf("register: session is %s", cur.State)}
		return
	}
	_ = m.machine.Transition(Status{State: Authenticating})

	cctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	sess, err := m.dir.SignUp(cctx, it.reg)
	cancel()
	if err != nil {
		_ = m.machine.Transition(Status{State: SignedOut})
		m.epoch.Add(1)
		it.reply <- result{err: err}
		return
	}

	id := m.applySession(sess)
	ep := m.epoch.Add(1)
	m.spawnProfileFetch(ctx, id.ID, ep)
	it.reply <- result{identity: id}
}

func (m *Manager) handleLogout(ctx context.Context, it item) {
	cur := m.machine.Current()
	if cur.State == SignedOut {
		m.epoch.Add(1)
		it.reply <- result{}
		return
	}

	// Local state is cleared first; the user is signed out no matter
	// what the directory says.
	m.stopRefreshTimer()
	_ = m.machine.Transition(Status{State: SignedOut})

	cctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	if err := m.dir.SignOut(cctx); err != nil {
		m.logger.Warn("directory sign-out failed", zap.Error(err))
	}
	cancel()
	m.dir.SetToken("")
	m.epoch.Add(1)
	it.reply <- result{}
}

func (m *Manager) handleRestore(ctx context.Context, it item) {
	cur := m.machine.Current()
	if cur.State != SignedOut {
		it.reply <- result{identity: cur.Identity}
		return
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	sess, err := m.dir.GetSession(cctx)
	cancel()
	if err != nil {
		if directory.IsAuth(err) {
			// The stored token is no longer valid; forget it.
			m.dir.SetToken("")
		}
		it.reply <- result{err: err}
		return
	}

	m.logger.Info("session restored", zap.String("user_id", sess.User.ID))
	id := m.applySession(sess)
	ep := m.epoch.Add(1)
	m.spawnProfileFetch(ctx, id.ID, ep)
	it.reply <- result{identity: id}
}

func (m *Manager) handleAdvisory(ctx context.Context, evt directory.AuthEvent) {
	cur := m.machine.Current()
	switch evt.Event {
	case directory.AuthEventSignedOut:
		if cur.State == SignedIn || cur.State == Refreshing {
			m.logger.Info("signed out by directory event")
			m.stopRefreshTimer()
			m.dir.SetToken("")
			_ = m.machine.Transition(Status{State: SignedOut})
		}
	case directory.AuthEventRefreshed:
		if evt.Session == nil {
			return
		}
		if (cur.State == SignedIn || cur.State == Refreshing) && cur.Identity != nil &&
			cur.Identity.ID == evt.Session.User.ID {
			m.dir.SetToken(evt.Session.AccessToken)
			m.scheduleRefresh(evt.Session.AccessToken)
		}
	case directory.AuthEventRestored:
		if cur.State == SignedOut && evt.Session != nil {
			m.logger.Info("session restored from directory event")
			id := m.applySession(evt.Session)
			m.spawnProfileFetch(ctx, id.ID, m.epoch.Load())
		}
	case directory.AuthEventUserUpdated:
		if evt.Session == nil || cur.State != SignedIn || cur.Identity == nil {
			return
		}
		if cur.Identity.ID != evt.Session.User.ID {
			return
		}
		id := identityFromUser(evt.Session.User)
		id.Profile = cur.Identity.Profile
		_ = m.machine.Transition(Status{State: SignedIn, Identity: id, ProfileFresh: cur.ProfileFresh})
	}
}

// handleHealthCheck verifies the session against the directory. Any
// failure, auth or network, leaves the last-known-good identity in
// place: background checks never force a logout.
func (m *Manager) handleHealthCheck(ctx context.Context) {
	cur := m.machine.Current()
	if cur.State != SignedIn {
		return
	}
	_ = m.machine.Transition(Status{State: Refreshing, Identity: cur.Identity, ProfileFresh: cur.ProfileFresh})

	cctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	sess, err := m.dir.GetSession(cctx)
	cancel()
	if err != nil {
		if directory.IsAuth(err) {
			m.logger.Warn("session check rejected, staying on last known identity", zap.Error(err))
		} else {
			m.logger.Warn("session check failed, will retry on next tick", zap.Error(err))
		}
		_ = m.machine.Transition(cur)
		return
	}

	if cur.Identity == nil || sess.User.ID != cur.Identity.ID {
		// Identity changed elsewhere; adopt it and reload the profile.
		_ = m.machine.Transition(Status{State: SignedOut})
		id := m.applySession(sess)
		m.spawnProfileFetch(ctx, id.ID, m.epoch.Load())
		return
	}

	if sess.AccessToken != "" {
		m.dir.SetToken(sess.AccessToken)
		m.scheduleRefresh(sess.AccessToken)
	}
	id := identityFromUser(sess.User)
	id.Profile = cur.Identity.Profile
	_ = m.machine.Transition(Status{State: SignedIn, Identity: id, ProfileFresh: cur.ProfileFresh})
}

func (m *Manager) handleProfileResult(it item) {
	if it.epoch != m.epoch.Load() {
		return // superseded by a later explicit call
	}
	cur := m.machine.Current()
	if cur.State != SignedIn || cur.Identity == nil || cur.Identity.ID != it.profileFor {
		return
	}
	if it.profileErr != nil {
		// The sign-in stands; the session just runs without the
		// extended profile.
		m.logger.Warn("profile fetch failed, continuing with basic identity",
			zap.String("user_id", it.profileFor), zap.Error(it.profileErr))
		return
	}
	id := identityFromUser(*it.profileUser)
	_ = m.machine.Transition(Status{State: SignedIn, Identity: id, ProfileFresh: true})
}

// applySession publishes SignedIn with profileFresh=false using only
// synchronously available data. The extended profile loads in a second
// phase so a slow profile store never blocks sign-in.
func (m *Manager) applySession(sess *directory.Session) *Identity {
	m.dir.SetToken(sess.AccessToken)
	id := identityFromUser(sess.User)
	_ = m.machine.Transition(Status{State: SignedIn, Identity: id, ProfileFresh: false})
	m.scheduleRefresh(sess.AccessToken)
	return id
}

func (m *Manager) spawnProfileFetch(ctx context.Context, userID string, epoch uint64) {
	go func() {
		pctx, cancel := context.WithTimeout(ctx, m.opts.ProfileTimeout)
		defer cancel()
		u, err := m.dir.GetUser(pctx, userID)
		select {
		case m.inbox <- item{kind: itemProfileResult, epoch: epoch, profileFor: userID, profileUser: u, profileErr: err}:
		case <-ctx.Done():
		}
	}()
}

// scheduleRefresh arms a one-shot check shortly before the access token
// expires. Tokens without a readable expiry rely on the periodic tick.
func (m *Manager) scheduleRefresh(accessToken string) {
	exp, err := tokenExpiry(accessToken)
	if err != nil {
		return
	}
	d := time.Until(exp) - time.Minute
	if d < 0 {
		d = 0
	}
	m.stopRefreshTimer()
	m.refreshTimer = time.AfterFunc(d, func() {
		m.enqueue(item{kind: itemHealthCheck})
	})
}

func (m *Manager) stopRefreshTimer() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

func identityFromUser(u directory.User) *Identity {
	return &Identity{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		RoleTag:     u.RoleTag,
		Profile:     u.Profile,
	}
}

func validateCredential(cred directory.Credential) error {
	if cred.Email == "" || !strings.Contains(cred.Email, "@") {
		return &directory.ValidationError{Field: "email", Detail: "malformed email"}
	}
	if cred.Password == "" {
		return &directory.ValidationError{Field: "password", Detail: "required"}
	}
	return nil
}

func validateRegister(p directory.RegisterPayload) error {
	if err := validateCredential(directory.Credential{Email: p.Email, Password: p.Password}); err != nil {
		return err
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return &directory.ValidationError{Field: "display_name", Detail: "required"}
	}
	return nil
}
