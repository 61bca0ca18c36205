package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// memDB emulates the handful of SQL shapes the gateway's components issue,
// keyed on statement substrings. State lives in plain slices and maps so the
// full register-to-authorize flow can run against it.
type memDB struct {
	mu sync.Mutex

	agents     map[string]*agentRow
	apiKeys    []*apiKeyRow
	tokens     []*tokenRow
	recovery   []*recoveryRow
	challenges map[string]*challengeRow
	signals    []signalRow
	windows    map[string]*windowRow
	violations []violationRow
	events     []statusEventRow
	requests   []requestEventRow
	actions    []actionEventRow
}

type agentRow struct {
	id, name, runtime, deviceKey, status string
	lastHeartbeat                        *time.Time
	createdAt                            time.Time
	metadata                             string
}

type apiKeyRow struct {
	id, agentID, prefix, hash string
	revokedAt                 *time.Time
	lastUsedAt                *time.Time
	createdAt                 time.Time
}

type tokenRow struct {
	id, agentID, hash string
	expiresAt         time.Time
	revokedAt         *time.Time
}

type recoveryRow struct {
	id, agentID, hash string
	usedAt            *time.Time
}

type challengeRow struct {
	id, agentID                   string
	required, minSuccess, interim int
	expiresAt                     time.Time
	status                        string
	createdAt                     time.Time
}

type signalRow struct {
	challengeID string
	sequence    int
	accepted    bool
	reason      string
	sentAt      *time.Time
	createdAt   time.Time
}

type windowRow struct {
	agentID   string
	post      int
	comment   int
	like      int
	follow    int
	tolerance int
}

type violationRow struct {
	agentID, vtype, metadata string
	createdAt                time.Time
}

type statusEventRow struct {
	agentID, from, to, reason string
	createdAt                 time.Time
}

type requestEventRow struct {
	agentID   string
	createdAt time.Time
}

type actionEventRow struct {
	agentID, action string
	createdAt       time.Time
}

func newMemDB() *memDB {
	return &memDB{
		agents:     map[string]*agentRow{},
		challenges: map[string]*challengeRow{},
		windows:    map[string]*windowRow{},
	}
}

func (db *memDB) Close() {}

func tag(n int) pgconn.CommandTag {
	if n > 0 {
		return pgconn.NewCommandTag("UPDATE 1")
	}
	return pgconn.NewCommandTag("UPDATE 0")
}

func (db *memDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	switch {
	case strings.Contains(sql, "INSERT INTO users"):
		row := &agentRow{
			id:        args[0].(string),
			name:      args[1].(string),
			runtime:   args[2].(string),
			deviceKey: args[3].(string),
			status:    args[4].(string),
			createdAt: args[5].(time.Time),
		}
		db.agents[row.id] = row
		return tag(1), nil
	case strings.Contains(sql, "UPDATE users SET agent_status"):
		to, id, from := args[0].(string), args[1].(string), args[2].(string)
		if a, ok := db.agents[id]; ok && a.status == from {
			a.status = to
			return tag(1), nil
		}
		return tag(0), nil
	case strings.Contains(sql, "UPDATE users SET device_public_key"):
		if a, ok := db.agents[args[1].(string)]; ok {
			a.deviceKey = args[0].(string)
			return tag(1), nil
		}
		return tag(0), nil
	case strings.Contains(sql, "UPDATE users SET last_heartbeat_at"):
		if a, ok := db.agents[args[1].(string)]; ok {
			at := args[0].(time.Time)
			a.lastHeartbeat = &at
			return tag(1), nil
		}
		return tag(0), nil
	case strings.Contains(sql, "UPDATE users SET metadata"):
		if a, ok := db.agents[args[1].(string)]; ok {
			a.metadata = args[0].(string)
			return tag(1), nil
		}
		return tag(0), nil
	case strings.Contains(sql, "INSERT INTO api_keys"):
		db.apiKeys = append(db.apiKeys, &apiKeyRow{
			id:        args[0].(string),
			agentID:   args[1].(string),
			prefix:    args[2].(string),
			hash:      args[3].(string),
			createdAt: args[4].(time.Time),
		})
		return tag(1), nil
	case strings.Contains(sql, "UPDATE api_keys SET revoked_at"):
		cutoff, agentID, keep := args[0].(time.Time), args[1].(string), args[2].(string)
		n := 0
		for _, k := range db.apiKeys {
			if k.agentID == agentID && k.prefix != keep && (k.revokedAt == nil || k.revokedAt.After(cutoff)) {
				at := cutoff
				k.revokedAt = &at
				n++
			}
		}
		return tag(n), nil
	case strings.Contains(sql, "UPDATE api_keys SET last_used_at"):
		for _, k := range db.apiKeys {
			if k.id == args[1].(string) {
				at := args[0].(time.Time)
				k.lastUsedAt = &at
				return tag(1), nil
			}
		}
		return tag(0), nil
	case strings.Contains(sql, "INSERT INTO access_tokens"):
		db.tokens = append(db.tokens, &tokenRow{
			id:        args[0].(string),
			agentID:   args[1].(string),
			hash:      args[2].(string),
			expiresAt: args[3].(time.Time),
		})
		return tag(1), nil
	case strings.Contains(sql, "UPDATE access_tokens SET revoked_at"):
		at, agentID := args[0].(time.Time), args[1].(string)
		n := 0
		for _, tk := range db.tokens {
			if tk.agentID == agentID && tk.revokedAt == nil {
				rev := at
				tk.revokedAt = &rev
				n++
			}
		}
		return tag(n), nil
	case strings.Contains(sql, "INSERT INTO recovery_codes"):
		db.recovery = append(db.recovery, &recoveryRow{
			id:      args[0].(string),
			agentID: args[1].(string),
			hash:    args[2].(string),
		})
		return tag(1), nil
	case strings.Contains(sql, "UPDATE recovery_codes SET used_at"):
		at, agentID, hash := args[0].(time.Time), args[1].(string), args[2].(string)
		for _, rc := range db.recovery {
			if rc.agentID == agentID && rc.hash == hash && rc.usedAt == nil {
				used := at
				rc.usedAt = &used
				return tag(1), nil
			}
		}
		return tag(0), nil
	case strings.Contains(sql, "UPDATE provisioning_challenges") && strings.Contains(sql, "WHERE agent_id"):
		to, agentID, from := args[0].(string), args[1].(string), args[2].(string)
		n := 0
		for _, c := range db.challenges {
			if c.agentID == agentID && c.status == from {
				c.status = to
				n++
			}
		}
		return tag(n), nil
	case strings.Contains(sql, "UPDATE provisioning_challenges"):
		to, id, from := args[0].(string), args[1].(string), args[2].(string)
		if c, ok := db.challenges[id]; ok && c.status == from {
			c.status = to
			return tag(1), nil
		}
		return tag(0), nil
	case strings.Contains(sql, "INSERT INTO provisioning_challenges"):
		row := &challengeRow{
			id:         args[0].(string),
			agentID:    args[1].(string),
			required:   args[2].(int),
			minSuccess: args[3].(int),
			interim:    args[4].(int),
			expiresAt:  args[5].(time.Time),
			status:     args[6].(string),
			createdAt:  args[7].(time.Time),
		}
		db.challenges[row.id] = row
		return tag(1), nil
	case strings.Contains(sql, "INSERT INTO minute_windows"):
		db.windows[args[0].(string)] = &windowRow{
			agentID:   args[0].(string),
			post:      args[1].(int),
			comment:   args[2].(int),
			like:      args[3].(int),
			follow:    args[4].(int),
			tolerance: args[5].(int),
		}
		return tag(1), nil
	case strings.Contains(sql, "INSERT INTO provisioning_signals"):
		db.signals = append(db.signals, signalRow{
			challengeID: args[0].(string),
			sequence:    args[1].(int),
			accepted:    args[2].(bool),
			reason:      args[3].(string),
			sentAt:      args[4].(*time.Time),
			createdAt:   args[5].(time.Time),
		})
		return tag(1), nil
	case strings.Contains(sql, "INSERT INTO policy_violations"):
		db.violations = append(db.violations, violationRow{
			agentID:   args[0].(string),
			vtype:     args[1].(string),
			metadata:  args[2].(string),
			createdAt: args[3].(time.Time),
		})
		return tag(1), nil
	case strings.Contains(sql, "INSERT INTO status_events"):
		db.events = append(db.events, statusEventRow{
			agentID:   args[0].(string),
			from:      args[1].(string),
			to:        args[2].(string),
			reason:    args[3].(string),
			createdAt: args[4].(time.Time),
		})
		return tag(1), nil
	case strings.Contains(sql, "INSERT INTO request_events"):
		db.requests = append(db.requests, requestEventRow{
			agentID:   args[0].(string),
			createdAt: args[1].(time.Time),
		})
		return tag(1), nil
	case strings.Contains(sql, "INSERT INTO action_events"):
		db.actions = append(db.actions, actionEventRow{
			agentID:   args[0].(string),
			action:    args[1].(string),
			createdAt: args[2].(time.Time),
		})
		return tag(1), nil
	}
	return tag(0), errors.New("memdb: unrouted exec: " + sql)
}

func (db *memDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	switch {
	case strings.Contains(sql, "FROM api_keys"):
		prefix, now := args[0].(string), args[1].(time.Time)
		var rows [][]any
		for _, k := range db.apiKeys {
			if k.prefix == prefix && (k.revokedAt == nil || k.revokedAt.After(now)) {
				rows = append(rows, []any{k.id, k.agentID, k.hash})
			}
		}
		return &memRows{rows: rows}, nil
	case strings.Contains(sql, "GROUP BY agent_status"):
		counts := map[string]int64{}
		for _, a := range db.agents {
			counts[a.status]++
		}
		var rows [][]any
		for status, n := range counts {
			rows = append(rows, []any{status, n})
		}
		return &memRows{rows: rows}, nil
	}
	return nil, errors.New("memdb: unrouted query: " + sql)
}

func (db *memDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	switch {
	case strings.Contains(sql, "FROM users") && strings.Contains(sql, "device_public_key=$1"):
		key := args[0].(string)
		exclude := ""
		if len(args) > 1 {
			exclude = args[1].(string)
		}
		var count int64
		for _, a := range db.agents {
			if a.deviceKey == key && a.id != exclude {
				count++
			}
		}
		return memRow{vals: []any{count}}
	case strings.Contains(sql, "SELECT agent_status FROM users"):
		if a, ok := db.agents[args[0].(string)]; ok {
			return memRow{vals: []any{a.status}}
		}
		return memRow{err: pgx.ErrNoRows}
	case strings.Contains(sql, "FROM users") && strings.Contains(sql, "name=$1"):
		for _, a := range db.agents {
			if a.name == args[0].(string) {
				return agentMemRow(a)
			}
		}
		return memRow{err: pgx.ErrNoRows}
	case strings.Contains(sql, "FROM users"):
		if a, ok := db.agents[args[0].(string)]; ok {
			return agentMemRow(a)
		}
		return memRow{err: pgx.ErrNoRows}
	case strings.Contains(sql, "FROM access_tokens"):
		hash := args[0].(string)
		for _, tk := range db.tokens {
			if tk.hash == hash && tk.revokedAt == nil {
				return memRow{vals: []any{tk.agentID, tk.expiresAt}}
			}
		}
		return memRow{err: pgx.ErrNoRows}
	case strings.Contains(sql, "FROM provisioning_signals") && strings.Contains(sql, "FILTER"):
		challengeID := args[0].(string)
		var accepted, total int64
		for _, sig := range db.signals {
			if sig.challengeID == challengeID {
				total++
				if sig.accepted {
					accepted++
				}
			}
		}
		return memRow{vals: []any{accepted, total}}
	case strings.Contains(sql, "FROM provisioning_signals"):
		challengeID, sequence := args[0].(string), args[1].(int)
		var count int64
		for _, sig := range db.signals {
			if sig.challengeID == challengeID && sig.sequence == sequence {
				count++
			}
		}
		return memRow{vals: []any{count}}
	case strings.Contains(sql, "COUNT(*) FROM provisioning_challenges"):
		status := args[0].(string)
		var count int64
		for _, c := range db.challenges {
			if c.status == status {
				count++
			}
		}
		return memRow{vals: []any{count}}
	case strings.Contains(sql, "FROM provisioning_challenges"):
		c, ok := db.challenges[args[0].(string)]
		if !ok || c.agentID != args[1].(string) {
			return memRow{err: pgx.ErrNoRows}
		}
		return memRow{vals: []any{c.id, c.agentID, c.required, c.minSuccess, c.interim, c.expiresAt, c.status, c.createdAt}}
	case strings.Contains(sql, "FROM minute_windows"):
		if w, ok := db.windows[args[0].(string)]; ok {
			return memRow{vals: []any{w.agentID, w.post, w.comment, w.like, w.follow, w.tolerance}}
		}
		return memRow{err: pgx.ErrNoRows}
	case strings.Contains(sql, "COUNT(*) FROM status_events"):
		agentID, to := args[0].(string), args[1].(string)
		reasons := map[string]bool{args[2].(string): true, args[3].(string): true}
		var count int64
		for _, evt := range db.events {
			if evt.agentID == agentID && evt.to == to && reasons[evt.reason] {
				count++
			}
		}
		return memRow{vals: []any{count}}
	case strings.Contains(sql, "FROM status_events"):
		agentID, to := args[0].(string), args[1].(string)
		for i := len(db.events) - 1; i >= 0; i-- {
			evt := db.events[i]
			if evt.agentID == agentID && evt.to == to {
				return memRow{vals: []any{evt.agentID, evt.from, evt.to, evt.reason, evt.createdAt}}
			}
		}
		return memRow{err: pgx.ErrNoRows}
	case strings.Contains(sql, "FROM policy_violations"):
		if len(args) == 1 {
			since := args[0].(time.Time)
			var count int64
			for _, v := range db.violations {
				if v.createdAt.After(since) {
					count++
				}
			}
			return memRow{vals: []any{count}}
		}
		agentID, vtype, since := args[0].(string), args[1].(string), args[2].(time.Time)
		var count int64
		for _, v := range db.violations {
			if v.agentID == agentID && v.vtype == vtype && v.createdAt.After(since) {
				count++
			}
		}
		return memRow{vals: []any{count}}
	case strings.Contains(sql, "FROM request_events"):
		agentID, since := args[0].(string), args[1].(time.Time)
		var count int64
		for _, e := range db.requests {
			if e.agentID == agentID && e.createdAt.After(since) {
				count++
			}
		}
		return memRow{vals: []any{count}}
	case strings.Contains(sql, "SELECT created_at FROM action_events"):
		agentID, action := args[0].(string), args[1].(string)
		var latest *time.Time
		for i := range db.actions {
			e := db.actions[i]
			if e.agentID == agentID && e.action == action {
				if latest == nil || e.createdAt.After(*latest) {
					at := e.createdAt
					latest = &at
				}
			}
		}
		if latest == nil {
			return memRow{err: pgx.ErrNoRows}
		}
		return memRow{vals: []any{*latest}}
	case strings.Contains(sql, "FROM action_events"):
		agentID, action, since := args[0].(string), args[1].(string), args[2].(time.Time)
		var count int64
		for _, e := range db.actions {
			if e.agentID == agentID && e.action == action && e.createdAt.After(since) {
				count++
			}
		}
		return memRow{vals: []any{count}}
	}
	return memRow{err: errors.New("memdb: unrouted query row: " + sql)}
}

func agentMemRow(a *agentRow) memRow {
	return memRow{vals: []any{a.id, a.name, a.runtime, a.deviceKey, a.status, a.lastHeartbeat, a.createdAt}}
}

type memRow struct {
	vals []any
	err  error
}

func (r memRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignValues(dest, r.vals)
}

type memRows struct {
	rows [][]any
	idx  int
}

func (r *memRows) Close()                                       {}
func (r *memRows) Err() error                                   { return nil }
func (r *memRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *memRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *memRows) RawValues() [][]byte                          { return nil }
func (r *memRows) Conn() *pgx.Conn                              { return nil }

func (r *memRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *memRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	return assignValues(dest, r.rows[r.idx-1])
}

func (r *memRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func assignValues(dest []any, values []any) error {
	if len(dest) != len(values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignValue(dest[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignValue(dest any, value any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := value.(string)
		if !ok {
			return errors.New("value is not string")
		}
		*d = v
	case *int:
		switch v := value.(type) {
		case int:
			*d = v
		case int64:
			*d = int(v)
		default:
			return errors.New("value is not int")
		}
	case *int64:
		switch v := value.(type) {
		case int:
			*d = int64(v)
		case int64:
			*d = v
		default:
			return errors.New("value is not int64")
		}
	case *bool:
		v, ok := value.(bool)
		if !ok {
			return errors.New("value is not bool")
		}
		*d = v
	case *time.Time:
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("value is not time")
		}
		*d = v
	case **time.Time:
		switch v := value.(type) {
		case nil:
			*d = nil
		case *time.Time:
			*d = v
		case time.Time:
			*d = &v
		default:
			return errors.New("value is not *time")
		}
	default:
		return errors.New("unsupported scan destination")
	}
	return nil
}
