package leg_controller

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"leg_controller/control"
)

// schema.sql defines one row per recorder session and one row per control tick.
//
//go:embed schema.sql
var schemaSQL string

// Recorder persists control ticks to SQLite.
type Recorder struct {
	db      *sql.DB
	session string

	mu     sync.Mutex
	insert *sql.Stmt
}

// RecordedTick is one row of the ticks table.
type RecordedTick struct {
	Wall               time.Time
	PlanTime           float64
	SampleIndex        int
	Fraction           float64
	OutOfRange         bool
	MissingContactLegs int
	Error              string
	GRFReport          control.GRFArray
	Commands           control.LegCommandArray
}

// OpenRecorder opens (creating if needed) the database at path and starts a new session.
func OpenRecorder(ctx context.Context, path string, legs int, now time.Time) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open tick database")
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, errors.Wrap(closeWith(db, err), "failed to initialize tick database schema")
	}

	session := uuid.NewString()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at_ns, legs) VALUES (?, ?, ?)`,
		session, now.UnixNano(), legs); err != nil {
		return nil, errors.Wrap(closeWith(db, err), "failed to start recorder session")
	}

	insert, err := db.PrepareContext(ctx, `
		INSERT INTO ticks (session_id, wall_ns, plan_time, sample_index, fraction, out_of_range,
			missing_contact_legs, error, grf_report, commands)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, errors.Wrap(closeWith(db, err), "failed to prepare tick insert")
	}
	return &Recorder{db: db, session: session, insert: insert}, nil
}

func closeWith(db *sql.DB, err error) error {
	return multierr.Append(err, db.Close())
}

// Session is the id of the session this recorder writes to.
func (r *Recorder) Session() string {
	return r.session
}

// Record stores one tick. A failed tick is stored with its error and no commands.
func (r *Recorder) Record(ctx context.Context, wall time.Time, planTime float64, res control.TickResult, tickErr error) error {
	var errText sql.NullString
	var grf, cmds []byte
	if tickErr != nil {
		errText = sql.NullString{String: tickErr.Error(), Valid: true}
	} else {
		var err error
		if grf, err = json.Marshal(res.GRFReport); err != nil {
			return errors.Wrap(err, "failed to encode force report")
		}
		if cmds, err = json.Marshal(res.Commands); err != nil {
			return errors.Wrap(err, "failed to encode commands")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.insert.ExecContext(ctx,
		r.session, wall.UnixNano(), planTime, res.Status.SampleIndex, res.Status.Fraction,
		res.Status.OutOfRange, len(res.Status.MissingContactLegs), errText, string(grf), string(cmds))
	if err != nil {
		return errors.Wrap(err, "failed to insert tick")
	}
	return nil
}

// Ticks returns every tick of a session in the order recorded.
func (r *Recorder) Ticks(ctx context.Context, session string) ([]RecordedTick, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT wall_ns, plan_time, sample_index, fraction, out_of_range, missing_contact_legs,
			error, grf_report, commands
		FROM ticks WHERE session_id = ? ORDER BY id
	`, session)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query ticks")
	}
	defer rows.Close()

	var out []RecordedTick
	for rows.Next() {
		var (
			tick      RecordedTick
			wallNs    int64
			errText   sql.NullString
			grf, cmds sql.NullString
		)
		if err := rows.Scan(&wallNs, &tick.PlanTime, &tick.SampleIndex, &tick.Fraction, &tick.OutOfRange,
			&tick.MissingContactLegs, &errText, &grf, &cmds); err != nil {
			return nil, errors.Wrap(err, "failed to scan tick")
		}
		tick.Wall = time.Unix(0, wallNs)
		tick.Error = errText.String
		if grf.String != "" {
			if err := json.Unmarshal([]byte(grf.String), &tick.GRFReport); err != nil {
				return nil, errors.Wrap(err, "failed to decode force report")
			}
		}
		if cmds.String != "" {
			if err := json.Unmarshal([]byte(cmds.String), &tick.Commands); err != nil {
				return nil, errors.Wrap(err, "failed to decode commands")
			}
		}
		out = append(out, tick)
	}
	return out, rows.Err()
}

// Close flushes and closes the database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return closeWith(r.db, r.insert.Close())
}
