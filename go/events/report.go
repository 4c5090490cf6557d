package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	"github.com/pairflow/pairflow/go/fault"
)

// TypeCount is one aggregated row of a report.
type TypeCount struct {
	EventType string `json:"event_type"`
	Count     int    `json:"count"`
}

// BubbleStat summarises one bubble instance over the report window.
type BubbleStat struct {
	BubbleID  string     `json:"bubble_id"`
	RepoPath  string     `json:"repo_path"`
	Events    int        `json:"events"`
	MaxRound  int        `json:"max_round"`
	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  time.Time  `json:"last_seen"`
	Approved  bool       `json:"approved"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Report is the aggregate over [From, To].
type Report struct {
	From       time.Time    `json:"from"`
	To         time.Time    `json:"to"`
	RepoFilter string       `json:"repo_filter,omitempty"`
	Total      int          `json:"total_events"`
	ByType     []TypeCount  `json:"by_type"`
	Bubbles    []BubbleStat `json:"bubbles"`
}

// BuildReport loads every shard overlapping [from, to] into an in-memory
// SQLite database and aggregates with SQL.
func BuildReport(root string, from, to time.Time, repoFilter string) (*Report, error) {
	if to.Before(from) {
		return nil, fault.New(fault.Validation, "report range: --to precedes --from")
	}

	var db, err = sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory DB: %w", err)
	}
	defer db.Close()

	if _, err = db.Exec(`
		CREATE TABLE events (
			ts TEXT NOT NULL,
			repo_path TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			bubble_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			round INTEGER,
			actor_role TEXT
		)`); err != nil {
		return nil, fmt.Errorf("creating events table: %w", err)
	}

	insert, err := db.Prepare(`INSERT INTO events VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("preparing insert: %w", err)
	}
	defer insert.Close()

	var emitter = Emitter{Root: root}
	for _, month := range monthsBetween(from, to) {
		var shardEvents, readErr = readShard(emitter.ShardPath(month))
		if readErr != nil {
			return nil, readErr
		}
		for _, ev := range shardEvents {
			if ev.TS.Before(from) || ev.TS.After(to) {
				continue
			}
			if repoFilter != "" && ev.RepoPath != repoFilter {
				continue
			}
			var round interface{}
			if ev.Round != nil {
				round = *ev.Round
			}
			if _, err = insert.Exec(
				ev.TS.UTC().Format(time.RFC3339), ev.RepoPath, ev.InstanceID,
				ev.BubbleID, ev.EventType, round, ev.ActorRole); err != nil {
				return nil, fmt.Errorf("inserting event: %w", err)
			}
		}
	}

	var report = &Report{From: from, To: to, RepoFilter: repoFilter}

	rows, err := db.Query(`
		SELECT event_type, COUNT(*) FROM events
		GROUP BY event_type ORDER BY COUNT(*) DESC, event_type`)
	if err != nil {
		return nil, fmt.Errorf("aggregating by type: %w", err)
	}
	for rows.Next() {
		var tc TypeCount
		if err = rows.Scan(&tc.EventType, &tc.Count); err != nil {
			rows.Close()
			return nil, err
		}
		report.ByType = append(report.ByType, tc)
		report.Total += tc.Count
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}

	rows, err = db.Query(`
		SELECT instance_id, bubble_id, repo_path, COUNT(*),
			COALESCE(MAX(round), 0), MIN(ts), MAX(ts),
			MAX(CASE WHEN event_type = ? THEN 1 ELSE 0 END),
			MAX(CASE WHEN event_type = ? THEN ts ELSE NULL END)
		FROM events GROUP BY instance_id ORDER BY MIN(ts)`,
		BubbleApproved, BubbleDeleted)
	if err != nil {
		return nil, fmt.Errorf("aggregating by bubble: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stat BubbleStat
		var instanceID, first, last string
		var approved int
		var deleted sql.NullString
		if err = rows.Scan(&instanceID, &stat.BubbleID, &stat.RepoPath, &stat.Events,
			&stat.MaxRound, &first, &last, &approved, &deleted); err != nil {
			return nil, err
		}
		stat.FirstSeen, _ = time.Parse(time.RFC3339, first)
		stat.LastSeen, _ = time.Parse(time.RFC3339, last)
		stat.Approved = approved == 1
		if deleted.Valid {
			if ts, parseErr := time.Parse(time.RFC3339, deleted.String); parseErr == nil {
				stat.DeletedAt = &ts
			}
		}
		report.Bubbles = append(report.Bubbles, stat)
	}
	return report, rows.Err()
}

// monthsBetween returns the first day of each month covered by [from, to].
func monthsBetween(from, to time.Time) []time.Time {
	var out []time.Time
	var cur = time.Date(from.UTC().Year(), from.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	var end = time.Date(to.UTC().Year(), to.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(end) {
		out = append(out, cur)
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}

// RenderJSON writes the report as indented JSON.
func (r *Report) RenderJSON(w io.Writer) error {
	var enc = json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// RenderTable writes a human-readable report.
func (r *Report) RenderTable(w io.Writer) {
	var header = color.New(color.Bold)
	header.Fprintf(w, "Pairflow metrics %s to %s",
		r.From.UTC().Format("2006-01-02"), r.To.UTC().Format("2006-01-02"))
	if r.RepoFilter != "" {
		fmt.Fprintf(w, " (repo %s)", r.RepoFilter)
	}
	fmt.Fprintf(w, "\n\n%d events\n\n", r.Total)

	header.Fprintln(w, "By event type")
	var byType = append([]TypeCount(nil), r.ByType...)
	sort.SliceStable(byType, func(i, j int) bool { return byType[i].Count > byType[j].Count })
	for _, tc := range byType {
		fmt.Fprintf(w, "  %-28s %6d\n", tc.EventType, tc.Count)
	}

	fmt.Fprintln(w)
	header.Fprintln(w, "By bubble")
	for _, b := range r.Bubbles {
		var status = "open"
		if b.DeletedAt != nil {
			status = "deleted"
		} else if b.Approved {
			status = color.GreenString("approved")
		}
		fmt.Fprintf(w, "  %-24s rounds=%-3d events=%-5d %s\n",
			b.BubbleID, b.MaxRound, b.Events, status)
	}
}
