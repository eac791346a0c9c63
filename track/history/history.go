// Package history persists the per-frame correction record of the
// tracking loop in a SQLite database, giving the day crew a queryable
// log of how much the instrument flexed over a night.
package history

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for correction records.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS corrections (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            frame_path TEXT NOT NULL,
            frame_no INTEGER,
            grating TEXT,
            slider INTEGER,
            dx_left REAL,
            dy_left REAL,
            dx_right REAL,
            dy_right REAL,
            dx REAL,
            dy REAL,
            tent_move REAL,
            dewar_move REAL,
            applied BOOLEAN DEFAULT FALSE,
            error_code INTEGER DEFAULT 0,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_corrections_frame_no ON corrections(frame_no);`,
		`CREATE INDEX IF NOT EXISTS idx_corrections_created_at ON corrections(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Record is one measured displacement and the stage moves derived from
// it.  Applied is false when the measurement was vetoed or tracking was
// in monitor mode.
type Record struct {
	ID        int64     `json:"id"`
	FramePath string    `json:"framePath"`
	FrameNo   int       `json:"frameNo"`
	Grating   string    `json:"grating"`
	Slider    int       `json:"slider"`
	DxLeft    float64   `json:"dxLeft"`
	DyLeft    float64   `json:"dyLeft"`
	DxRight   float64   `json:"dxRight"`
	DyRight   float64   `json:"dyRight"`
	Dx        float64   `json:"dx"`
	Dy        float64   `json:"dy"`
	TentMove  float64   `json:"tentMove"`
	DewarMove float64   `json:"dewarMove"`
	Applied   bool      `json:"applied"`
	ErrCode   int       `json:"errCode"`
	ErrMsg    string    `json:"errMsg,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Insert stores one correction record.  A nil Store discards it, so the
// tracking loop can run without a history database configured.
func (s *Store) Insert(rec Record) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO corrections
        (frame_path, frame_no, grating, slider, dx_left, dy_left, dx_right, dy_right, dx, dy, tent_move, dewar_move, applied, error_code, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.FramePath, rec.FrameNo, rec.Grating, rec.Slider,
		rec.DxLeft, rec.DyLeft, rec.DxRight, rec.DyRight, rec.Dx, rec.Dy,
		rec.TentMove, rec.DewarMove, rec.Applied, rec.ErrCode, rec.ErrMsg)
	return err
}

// Recent returns the latest records up to limit, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if s == nil {
		return nil, errors.New("history store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, frame_path, frame_no, grating, slider,
        dx_left, dy_left, dx_right, dy_right, dx, dy, tent_move, dewar_move,
        applied, error_code, error_message, created_at
        FROM corrections ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.FramePath, &rec.FrameNo, &rec.Grating, &rec.Slider,
			&rec.DxLeft, &rec.DyLeft, &rec.DxRight, &rec.DyRight, &rec.Dx, &rec.Dy,
			&rec.TentMove, &rec.DewarMove, &rec.Applied, &rec.ErrCode, &errMsg, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			rec.ErrMsg = errMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Last returns the most recent record, or sql.ErrNoRows when the night
// has no corrections yet.
func (s *Store) Last() (Record, error) {
	if s == nil {
		return Record{}, errors.New("history store not initialized")
	}
	recs, err := s.Recent(1)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, sql.ErrNoRows
	}
	return recs[0], nil
}
