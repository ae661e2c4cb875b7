// Package sos runs one device's SOS session: it consumes position fixes,
// creates exactly one alert per session, streams follow-up locations into it,
// triggers the notification and ends the session when the user is safe.
package sos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"beacon/cmd/internal/alert"
	"beacon/cmd/internal/ids"
	"beacon/cmd/internal/location"
	"beacon/cmd/internal/metrics"
	"beacon/cmd/internal/notify"
	"beacon/cmd/internal/presence"
)

var (
	// ErrSessionActive is returned by Reset while an SOS session is running.
	ErrSessionActive = errors.New("sos: session active")
	// ErrSessionEnded is returned by Activate after SAFE or EXPIRED until Reset.
	ErrSessionEnded = errors.New("sos: session ended; reset first")
)

// Notifier triggers the out-of-band notification.
type Notifier interface {
	Send(ctx context.Context, uid string, lat, lng float64, onStatus func(string)) notify.Result
}

// FallbackResolver finds a user's last known location.
type FallbackResolver interface {
	Resolve(ctx context.Context, uid string) (presence.Fallback, bool, error)
}

// Config wires a Controller. Source, Store and Writer are required.
type Config struct {
	UserID      string
	Source      location.Source
	Store       alert.Store
	Writer      *Writer
	Notifier    Notifier
	Fallback    FallbackResolver
	Log         *slog.Logger
	Metrics     *metrics.Metrics
	DebugErrors bool
	Now         func() time.Time
	NewSession  func() string
	UpdateLimit time.Duration
}

type refKind uint8

const (
	refUnset refKind = iota
	refPending
	refCreated
)

// alertRef tracks the session's alert: none yet, a create in flight, or created.
type alertRef struct {
	kind refKind
	id   string
}

type session struct {
	id  string
	ref alertRef
	ctx context.Context
}

// Controller owns one device's SOS state machine.
//
// Position handling runs on a single goroutine per session; the create,
// fallback and location-update writes run on their own goroutines and are
// tracked so Close can wait for them.
type Controller struct {
	userID      string
	source      location.Source
	store       alert.Store
	writer      *Writer
	notifier    Notifier
	fallback    FallbackResolver
	log         *slog.Logger
	metrics     *metrics.Metrics
	debugErrors bool
	now         func() time.Time
	newSession  func() string
	updateLimit time.Duration

	mu        sync.Mutex
	lifecycle Lifecycle
	sess      *session
	status    Status
	version   uint64
	stop      context.CancelFunc
	wg        sync.WaitGroup

	pubMu     sync.Mutex
	published uint64
	observers map[uint64]Observer
	nextObs   uint64
}

// NewController validates cfg and returns an idle Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("sos: nil store")
	}
	if cfg.Writer == nil {
		return nil, errors.New("sos: nil writer")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSession == nil {
		cfg.NewSession = ids.NewSessionID
	}
	if cfg.UpdateLimit <= 0 {
		cfg.UpdateLimit = 10 * time.Second
	}
	uid := cfg.UserID
	if uid == "" {
		uid = presence.Anonymous
	}

	c := &Controller{
		userID:      uid,
		source:      cfg.Source,
		store:       cfg.Store,
		writer:      cfg.Writer,
		notifier:    cfg.Notifier,
		fallback:    cfg.Fallback,
		log:         cfg.Log.With("uid", uid),
		metrics:     cfg.Metrics,
		debugErrors: cfg.DebugErrors,
		now:         cfg.Now,
		newSession:  cfg.NewSession,
		updateLimit: cfg.UpdateLimit,
		lifecycle:   LifecycleIdle,
		observers:   make(map[uint64]Observer),
	}
	c.status.Lifecycle = LifecycleIdle
	return c, nil
}

// UserID returns the identity alerts are raised for.
func (c *Controller) UserID() string { return c.userID }

// Status returns the current display state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.status.clone()
	s.Version = c.version
	return s
}

// Subscribe registers obs and immediately delivers the current status.
func (c *Controller) Subscribe(obs Observer) (unsubscribe func()) {
	c.pubMu.Lock()
	key := c.nextObs
	c.nextObs++
	c.observers[key] = obs
	obs(c.Status())
	c.pubMu.Unlock()

	return func() {
		c.pubMu.Lock()
		delete(c.observers, key)
		c.pubMu.Unlock()
	}
}

// Activate starts an SOS session: a new session id is minted and position
// fixes are consumed until MarkSafe, Close or ctx cancellation. Activating
// while already in SOS is a no-op.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	switch c.lifecycle {
	case LifecycleSOS:
		c.mu.Unlock()
		return nil
	case LifecycleSafe, LifecycleExpired:
		c.mu.Unlock()
		return ErrSessionEnded
	}

	if c.source == nil {
		c.status.Error = msgUnsupported
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
		return location.ErrUnsupported
	}

	watchCtx, cancel := context.WithCancel(ctx)
	sess := &session{id: c.newSession(), ctx: watchCtx}
	c.sess = sess
	c.stop = cancel
	c.lifecycle = LifecycleSOS
	c.status = Status{Lifecycle: LifecycleSOS, SessionID: sess.id, Transient: msgFetchingLocation}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	c.log.Info("sos.activate", "session_id", sess.id)

	fixes, err := c.source.Watch(watchCtx)
	if err != nil {
		cancel()
		msg := fmt.Sprintf(msgUnexpectedFmt, err.Error())
		if errors.Is(err, location.ErrUnsupported) {
			msg = msgUnsupported
		}
		c.mu.Lock()
		if c.sess == sess {
			c.lifecycle = LifecycleIdle
			c.stop = nil
			c.status.Lifecycle = LifecycleIdle
			c.status.Transient = ""
			c.status.Error = msg
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
		c.log.Error("sos.watch.fail", "session_id", sess.id, "err", err)
		return err
	}

	c.wg.Add(1)
	go c.run(watchCtx, sess, fixes)
	return nil
}

// MarkSafe ends the active session: the position stream stops and, when an
// alert exists, exactly one terminal SAFE write is issued. It is a no-op
// outside SOS.
func (c *Controller) MarkSafe(ctx context.Context) error {
	c.mu.Lock()
	if c.lifecycle != LifecycleSOS {
		c.mu.Unlock()
		return nil
	}
	sess := c.sess
	stop := c.stop
	c.stop = nil
	c.lifecycle = LifecycleSafe
	c.status.Lifecycle = LifecycleSafe
	c.status.Transient = ""
	var id string
	if sess.ref.kind == refCreated {
		id = sess.ref.id
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.publish(snap)
	c.log.Info("sos.safe", "session_id", sess.id, "alert_id", id)

	if id == "" {
		// A create still in flight finishes the session itself.
		return nil
	}
	return c.writeSafe(ctx, id)
}

// Reset returns an ended session to Idle so a new activation gets a fresh session id.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.lifecycle == LifecycleSOS {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.sess = nil
	c.lifecycle = LifecycleIdle
	c.status = Status{Lifecycle: LifecycleIdle}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap)
	return nil
}

// Expire marks the session EXPIRED when the store expired its alert.
func (c *Controller) Expire(alertID string) {
	c.mu.Lock()
	if c.lifecycle != LifecycleSOS || c.sess == nil || c.sess.ref.kind != refCreated || c.sess.ref.id != alertID {
		c.mu.Unlock()
		return
	}
	stop := c.stop
	c.stop = nil
	c.lifecycle = LifecycleExpired
	c.status.Lifecycle = LifecycleExpired
	c.status.Transient = ""
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.publish(snap)
}

// Wait blocks until the position loop and every in-flight write have finished.
// The loop ends at MarkSafe, Close, a fatal source error or ctx cancellation.
func (c *Controller) Wait() { c.wg.Wait() }

// Close stops position handling and waits for in-flight writes. In-flight
// retries run to completion.
func (c *Controller) Close() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context, sess *session, fixes <-chan location.Fix) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-fixes:
			if !ok {
				return
			}
			if fix.Err != nil {
				c.onSourceError(ctx, sess, fix.Err)
				continue
			}
			c.onSample(ctx, sess, fix.Point)
		}
	}
}

func (c *Controller) onSample(ctx context.Context, sess *session, p location.Point) {
	loc, _ := alert.NewLocation(p)

	c.mu.Lock()
	if !c.activeLocked(sess) {
		c.mu.Unlock()
		return
	}
	c.status.Location = &loc

	switch sess.ref.kind {
	case refUnset:
		sess.ref = alertRef{kind: refPending}
		c.status.Transient = msgCreating
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.create(context.WithoutCancel(ctx), sess, p, false)
		}()

	case refPending:
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
		c.log.Debug("sos.sample.dropped", "session_id", sess.id, "reason", "create_in_flight")

	case refCreated:
		id := sess.ref.id
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.updateLocation(context.WithoutCancel(ctx), sess, id, loc)
		}()
	}
}

func (c *Controller) onSourceError(ctx context.Context, sess *session, err error) {
	c.mu.Lock()
	if !c.activeLocked(sess) {
		c.mu.Unlock()
		return
	}
	switch sess.ref.kind {
	case refCreated:
		c.mu.Unlock()
		c.log.Warn("sos.location.error", "session_id", sess.id, "alert_id", sess.ref.id, "err", err)
		return
	case refPending:
		c.mu.Unlock()
		c.log.Info("sos.location.error", "session_id", sess.id, "reason", "create_in_flight", "err", err)
		return
	}
	// Hold the creation slot while the last known location is looked up.
	sess.ref = alertRef{kind: refPending}
	c.mu.Unlock()

	c.log.Warn("sos.location.error", "session_id", sess.id, "err", err)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.recoverFromSourceError(context.WithoutCancel(ctx), sess, err)
	}()
}

func (c *Controller) recoverFromSourceError(ctx context.Context, sess *session, cause error) {
	var (
		fb presence.Fallback
		ok bool
	)
	if c.fallback != nil {
		var err error
		fb, ok, err = c.fallback.Resolve(ctx, c.userID)
		if err != nil {
			c.log.Error("sos.fallback.fail", "session_id", sess.id, "err", err)
			ok = false
		}
	}

	if ok {
		loc, _ := alert.NewLocation(fb.Point)
		c.mu.Lock()
		if !c.activeLocked(sess) {
			sess.ref = alertRef{}
			c.mu.Unlock()
			return
		}
		c.status.Location = &loc
		c.status.Error = msgUsingFallback
		c.status.Transient = msgCreating
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)

		c.log.Info("sos.fallback.use", "session_id", sess.id, "last_active", fb.LastActive)
		c.create(ctx, sess, fb.Point, true)
		return
	}

	c.mu.Lock()
	sess.ref = alertRef{}
	var stop context.CancelFunc
	if c.activeLocked(sess) {
		stop = c.stop
		c.stop = nil
		c.lifecycle = LifecycleIdle
		c.status.Lifecycle = LifecycleIdle
		c.status.Transient = ""
		c.status.Error = fmt.Sprintf(msgGPSErrorFmt, cause.Error())
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.publish(snap)
}

// create runs the retrying write for sess and, on success, the notification.
func (c *Controller) create(ctx context.Context, sess *session, p location.Point, usedFallback bool) {
	res := c.writer.Create(ctx, CreateRequest{
		SessionID: sess.id,
		UserID:    c.userID,
		Point:     p,
		Now:       c.now(),
	}, func(msg string) { c.setTransient(sess, msg) })

	if !res.Success {
		c.mu.Lock()
		sess.ref = alertRef{}
		if c.sess == sess {
			c.status.Transient = ""
			c.status.Error = c.surfaceError(res)
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
		return
	}

	c.mu.Lock()
	sess.ref = alertRef{kind: refCreated, id: res.AlertID}
	if c.sess != sess || c.lifecycle != LifecycleSOS {
		// The user was marked safe while the write was in flight.
		if c.sess == sess {
			c.status.AlertID = res.AlertID
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
		c.log.Info("sos.create.late", "session_id", sess.id, "alert_id", res.AlertID)
		if err := c.writeSafe(ctx, res.AlertID); err != nil {
			c.log.Error("sos.safe.late.fail", "alert_id", res.AlertID, "err", err)
		}
		return
	}
	c.status.AlertID = res.AlertID
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	c.watchExpiry(sess, res.AlertID)
	c.notifyCreated(ctx, sess, p, usedFallback)
}

// watchExpiry moves the session to EXPIRED when the sweep expires its alert.
func (c *Controller) watchExpiry(sess *session, id string) {
	_, err := c.store.Subscribe(sess.ctx, id, func(s alert.Snapshot) {
		if s.Exists && s.Alert.Status == alert.StatusExpired {
			c.Expire(id)
		}
	}, func(err error) {
		c.log.Warn("sos.expiry.watch.fail", "alert_id", id, "err", err)
	})
	if err != nil && sess.ctx.Err() == nil {
		c.log.Warn("sos.expiry.watch.fail", "alert_id", id, "err", err)
	}
}

func (c *Controller) notifyCreated(ctx context.Context, sess *session, p location.Point, usedFallback bool) {
	var nres notify.Result
	if c.notifier != nil {
		nres = c.notifier.Send(ctx, c.userID, p.Lat, p.Lng, func(msg string) { c.setTransient(sess, msg) })
	} else {
		nres = notify.Result{Success: true}
	}

	c.mu.Lock()
	if c.sess == sess {
		c.status.Transient = ""
		c.status.Success = msgCreated
		if usedFallback {
			c.status.Success += msgCreatedFallback
		}
		if !nres.Success {
			if usedFallback {
				c.status.Error = msgNotifyFailedFB + nres.Error
			} else {
				c.status.Error = msgNotifyFailed + nres.Error
			}
		}
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Controller) updateLocation(ctx context.Context, sess *session, id string, loc alert.Location) {
	c.mu.Lock()
	active := c.activeLocked(sess)
	c.mu.Unlock()
	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.updateLimit)
	defer cancel()

	_, err := c.store.Update(ctx, id, alert.Patch{Location: &loc, At: c.now()})
	c.metrics.LocationUpdate(err == nil)
	if err != nil {
		d := alert.Debug(err)
		c.log.Error("sos.location.update.fail", "alert_id", id, "code", d.Code, "message", d.Message)
	}
}

func (c *Controller) writeSafe(ctx context.Context, id string) error {
	now := c.now()
	status := alert.StatusSafe
	_, err := c.store.Update(ctx, id, alert.Patch{Status: &status, EndedAt: &now, At: now})
	if err != nil {
		d := alert.Debug(err)
		c.log.Error("sos.safe.write.fail", "alert_id", id, "code", d.Code, "message", d.Message)
	}
	return err
}

func (c *Controller) setTransient(sess *session, msg string) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.status.Transient = msg
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Controller) surfaceError(res WriteResult) string {
	msg := res.Error
	if c.debugErrors && res.Debug != nil && res.Debug.Code != "" {
		msg = fmt.Sprintf("%s (code: %s)", msg, res.Debug.Code)
	}
	return msg
}

func (c *Controller) activeLocked(sess *session) bool {
	return c.sess == sess && c.lifecycle == LifecycleSOS
}

func (c *Controller) snapshotLocked() Status {
	c.version++
	s := c.status.clone()
	s.Lifecycle = c.lifecycle
	if c.sess != nil {
		s.SessionID = c.sess.id
	}
	s.Version = c.version
	return s
}

// publish delivers s to observers unless a newer status was already published.
func (c *Controller) publish(s Status) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if s.Version <= c.published {
		return
	}
	c.published = s.Version
	for _, obs := range c.observers {
		obs(s)
	}
}
