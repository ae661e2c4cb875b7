package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"beacon/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultPGSchema  = "beacon"
	defaultPGChannel = "beacon_alerts"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() stops the change listener only.
//
// Change feed:
// - Every write calls pg_notify(channel, id) inside its transaction.
// - One LISTEN connection per store fans notifications out to subscribers of that id.
type PostgresStore struct {
	pool    *pgxpool.Pool
	schema  string
	channel string
	log     *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	watchers  map[string]map[uint64]*pgWatcher
	nextW     uint64
	listening bool
	closed    bool
	wg        sync.WaitGroup
}

type pgWatcher struct {
	onChange func(Snapshot)
	onError  func(error)

	mu     sync.Mutex
	last   time.Time
	failed bool
}

// deliver drops snapshots older than the last one delivered.
func (w *pgWatcher) deliver(s Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return
	}
	if s.Exists {
		if s.Alert.LastUpdated.Before(w.last) {
			return
		}
		w.last = s.Alert.LastUpdated
	}
	w.onChange(s)
}

func (w *pgWatcher) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return
	}
	w.failed = true
	w.onError(err)
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "beacon").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("alert: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("alert: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithChannel sets the LISTEN/NOTIFY channel (default: "beacon_alerts").
func WithChannel(channel string) PostgresOption {
	return func(s *PostgresStore) error {
		channel = strings.TrimSpace(channel)
		if !isValidPGIdent(channel) {
			return errors.New("alert: invalid channel identifier")
		}
		s.channel = channel
		return nil
	}
}

// WithLogger sets the logger used by the change listener.
func WithLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:     pool,
		schema:   defaultPGSchema,
		channel:  defaultPGChannel,
		log:      slog.Default(),
		watchers: make(map[string]map[uint64]*pgWatcher),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("alert: nil pool")
	}
	st.baseCtx, st.baseCancel = context.WithCancel(context.Background())
	return st, nil
}

// EnsureSchema creates the schema, table and index when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	alerts := pgIdent(s.schema, "alerts")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + alerts + ` (
		     id                   text PRIMARY KEY,
		     session_id           text NOT NULL,
		     user_id              text NOT NULL DEFAULT '',
		     status               text NOT NULL CHECK (status IN ('SOS', 'SAFE', 'EXPIRED')),
		     lat                  double precision NOT NULL DEFAULT 0,
		     lng                  double precision NOT NULL DEFAULT 0,
		     accuracy             double precision,
		     location_unavailable boolean NOT NULL DEFAULT false,
		     created_at           timestamptz NOT NULL,
		     last_updated         timestamptz NOT NULL,
		     expires_at           timestamptz NOT NULL,
		     ended_at             timestamptz
		 )`,
		`CREATE INDEX IF NOT EXISTS alerts_live_expiry_idx ON ` + alerts + ` (expires_at) WHERE status = 'SOS'`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return translatePGError("alert.EnsureSchema", err)
		}
	}
	return nil
}

// Close stops the change listener. The pool stays open.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.watchers = make(map[string]map[uint64]*pgWatcher)
	s.mu.Unlock()

	s.baseCancel()
	s.wg.Wait()
	return nil
}

const alertColumns = `id, session_id, user_id, status, lat, lng, accuracy, location_unavailable,
	created_at, last_updated, expires_at, ended_at`

func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (Alert, error) {
	const op = "alert.Create"
	in, err := in.normalize()
	if err != nil {
		return Alert{}, &StoreError{Op: op, Code: CodeInvalidArgument, Message: err.Error(), Name: "StoreError", Err: err}
	}
	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Alert{}, &StoreError{Op: op, Code: CodeInternal, Message: "id generation failed", Name: "StoreError", Err: err}
	}
	a := newAlert(id, in)

	err = s.inTx(ctx, op, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO `+pgIdent(s.schema, "alerts")+` (`+alertColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			a.ID, a.SessionID, a.UserID, string(a.Status),
			a.Location.Lat, a.Location.Lng, a.Location.Accuracy, a.Location.Unavailable,
			a.CreatedAt, a.LastUpdated, a.ExpiresAt, a.EndedAt,
		)
		if err != nil {
			return err
		}
		return s.notify(ctx, tx, a.ID)
	})
	if err != nil {
		return Alert{}, err
	}
	return a, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, p Patch) (Alert, error) {
	const op = "alert.Update"
	if p.At.IsZero() {
		p.At = time.Now()
	}

	var (
		setLoc      bool
		lat, lng    *float64
		accuracy    *float64
		unavailable *bool
		status      *string
		endedAt     *time.Time
	)
	if p.Location != nil {
		setLoc = true
		lat, lng = &p.Location.Lat, &p.Location.Lng
		accuracy = p.Location.Accuracy
		unavailable = &p.Location.Unavailable
	}
	if p.Status != nil {
		v := string(*p.Status)
		status = &v
	}
	if p.EndedAt != nil {
		v := p.EndedAt.UTC()
		endedAt = &v
	}

	var out Alert
	err := s.inTx(ctx, op, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`UPDATE `+pgIdent(s.schema, "alerts")+`
			    SET lat                  = COALESCE($2::double precision, lat),
			        lng                  = COALESCE($3::double precision, lng),
			        accuracy             = CASE WHEN $4::boolean THEN $5::double precision ELSE accuracy END,
			        location_unavailable = COALESCE($6::boolean, location_unavailable),
			        status               = COALESCE($7::text, status),
			        ended_at             = COALESCE($8::timestamptz, ended_at),
			        last_updated         = $9
			  WHERE id = $1
			RETURNING `+alertColumns,
			id, lat, lng, setLoc, accuracy, unavailable, status, endedAt, p.At.UTC(),
		)
		a, err := scanAlert(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFound(op, id)
			}
			return err
		}
		out = a
		return s.notify(ctx, tx, id)
	})
	return out, err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Alert, error) {
	const op = "alert.Get"
	row := s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM `+pgIdent(s.schema, "alerts")+` WHERE id = $1`, id)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Alert{}, notFound(op, id)
		}
		return Alert{}, translatePGError(op, err)
	}
	return a, nil
}

func (s *PostgresStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	const op = "alert.ExpireDue"
	n := 0
	err := s.inTx(ctx, op, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE `+pgIdent(s.schema, "alerts")+`
			    SET status = 'EXPIRED', last_updated = $1
			  WHERE status = 'SOS' AND expires_at <= $1
			RETURNING id`, now.UTC())
		if err != nil {
			return err
		}
		expired, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		for _, id := range expired {
			if err := s.notify(ctx, tx, id); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}

func (s *PostgresStore) Subscribe(ctx context.Context, id string, onChange func(Snapshot), onError func(error)) (func(), error) {
	const op = "alert.Subscribe"
	if onChange == nil {
		onChange = func(Snapshot) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	w := &pgWatcher{onChange: onChange, onError: onError}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, closedError(op)
	}
	key := s.nextW
	s.nextW++
	set := s.watchers[id]
	if set == nil {
		set = make(map[uint64]*pgWatcher)
		s.watchers[id] = set
	}
	set[key] = w
	if !s.listening {
		s.listening = true
		s.wg.Add(1)
		go s.listen()
	}
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if set := s.watchers[id]; set != nil {
				delete(set, key)
				if len(set) == 0 {
					delete(s.watchers, id)
				}
			}
		})
	}

	a, err := s.Get(ctx, id)
	switch {
	case err == nil:
		w.deliver(Snapshot{Alert: a, Exists: true})
	case errors.Is(err, ErrNotFound):
		w.deliver(Snapshot{})
	default:
		unsubscribe()
		return nil, err
	}

	context.AfterFunc(ctx, unsubscribe)
	return unsubscribe, nil
}

// listen holds one connection in LISTEN mode until the store closes. A broken
// connection fails every current watcher; the next Subscribe restarts it.
func (s *PostgresStore) listen() {
	defer s.wg.Done()

	err := s.listenOnce(s.baseCtx)
	if s.baseCtx.Err() != nil {
		return
	}

	s.log.Error("alert.listen.fail", "channel", s.channel, "err", err)
	storeErr := translatePGError("alert.Subscribe", err)

	s.mu.Lock()
	failed := s.watchers
	s.watchers = make(map[string]map[uint64]*pgWatcher)
	s.listening = false
	s.mu.Unlock()

	for _, set := range failed {
		for _, w := range set {
			w.fail(storeErr)
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// A connection that ran LISTEN must not go back to the pool.
	conn := pooled.Hijack()
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return err
	}
	s.log.Info("alert.listen.start", "channel", s.channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ctx, n.Payload)
	}
}

func (s *PostgresStore) dispatch(ctx context.Context, id string) {
	s.mu.Lock()
	set := s.watchers[id]
	targets := make([]*pgWatcher, 0, len(set))
	for _, w := range set {
		targets = append(targets, w)
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var snap Snapshot
	a, err := s.Get(readCtx, id)
	switch {
	case err == nil:
		snap = Snapshot{Alert: a, Exists: true}
	case errors.Is(err, ErrNotFound):
	default:
		s.log.Error("alert.listen.read.fail", "alert_id", id, "err", err)
		for _, w := range targets {
			w.fail(err)
		}
		return
	}
	for _, w := range targets {
		w.deliver(snap)
	}
}

func (s *PostgresStore) notify(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, id)
	return err
}

func (s *PostgresStore) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return translatePGError(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		var se *StoreError
		if errors.As(err, &se) {
			return err
		}
		return translatePGError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translatePGError(op, err)
	}
	return nil
}

func scanAlert(row pgx.Row) (Alert, error) {
	var (
		a      Alert
		status string
	)
	err := row.Scan(
		&a.ID, &a.SessionID, &a.UserID, &status,
		&a.Location.Lat, &a.Location.Lng, &a.Location.Accuracy, &a.Location.Unavailable,
		&a.CreatedAt, &a.LastUpdated, &a.ExpiresAt, &a.EndedAt,
	)
	if err != nil {
		return Alert{}, err
	}
	a.Status = Status(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.LastUpdated = a.LastUpdated.UTC()
	a.ExpiresAt = a.ExpiresAt.UTC()
	if a.EndedAt != nil {
		t := a.EndedAt.UTC()
		a.EndedAt = &t
	}
	return a, nil
}

// translatePGError maps driver failures onto store error codes by SQLSTATE class.
func translatePGError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return &StoreError{Op: op, Code: CodeDeadlineExceeded, Message: err.Error(), Name: "TimeoutError", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &StoreError{Op: op, Code: CodeUnavailable, Message: err.Error(), Name: "ContextError", Err: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &StoreError{Op: op, Code: sqlStateCode(pgErr.Code), Message: pgErr.Message, Name: "PgError", Err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return &StoreError{Op: op, Code: CodeUnavailable, Message: err.Error(), Name: fmt.Sprintf("%T", ne), Err: err}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return &StoreError{Op: op, Code: CodeUnavailable, Message: err.Error(), Name: "ConnectError", Err: err}
	}

	return &StoreError{Op: op, Code: CodeInternal, Message: err.Error(), Name: fmt.Sprintf("%T", err), Err: err}
}

func sqlStateCode(state string) string {
	switch state {
	case "42501":
		return CodePermissionDenied
	case "3D000":
		return CodeNotFound
	case "42P01", "3F000":
		return CodeFailedPrecondition
	case "40001", "40P01", "55P03":
		return CodeUnavailable
	case "57014":
		return CodeDeadlineExceeded
	}
	switch {
	case strings.HasPrefix(state, "28"):
		return CodeUnauthenticated
	case strings.HasPrefix(state, "08"), strings.HasPrefix(state, "57P"):
		return CodeUnavailable
	case strings.HasPrefix(state, "53"), strings.HasPrefix(state, "54"):
		return CodeResourceExhausted
	case strings.HasPrefix(state, "22"), strings.HasPrefix(state, "23"):
		return CodeInvalidArgument
	}
	return CodeInternal
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
