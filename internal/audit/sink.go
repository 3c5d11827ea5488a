package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mysqlbak/transfer/internal/errs"
)

// fileSink is the append-only, one-JSON-object-per-line backing store
// for the audit log, grounded in the same "open for append, write a
// line, no partial writes" pattern a batched JSON-lines sink always
// uses.
type fileSink struct {
	path string
}

func newFileSink(path string) *fileSink { return &fileSink{path: path} }

// writeBatch appends each event as one JSON line, in the order given.
func (s *fileSink) writeBatch(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return errs.New(errs.KindInternal, "AuditLog.flush", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return errs.New(errs.KindInternal, "AuditLog.flush", err)
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return errs.New(errs.KindInternal, "AuditLog.flush", err)
	}
	return f.Sync()
}

// rawLine is one line as read by readLines, which keeps unparsable
// lines as raw placeholders (valid == false) so purgeOlderThan can
// keep them.
type rawLine struct {
	event Event
	raw   string
	valid bool
}

func (s *fileSink) readLines() ([]rawLine, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.KindInternal, "AuditLog.read", err)
	}
	defer f.Close()

	var lines []rawLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			lines = append(lines, rawLine{raw: line, valid: false})
			continue
		}
		lines = append(lines, rawLine{event: e, raw: line, valid: true})
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.New(errs.KindInternal, "AuditLog.read", err)
	}
	return lines, nil
}

// between filters parsed events by time window and optional clientID,
// returning them sorted ascending by timestamp.
func between(lines []rawLine, start, end time.Time, clientID string) []Event {
	var out []Event
	for _, l := range lines {
		if !l.valid {
			continue
		}
		e := l.event
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		if clientID != "" && e.ClientID != clientID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// purgeOlderThan rewrites the file, keeping lines whose parsed
// timestamp is within the retention window and conservatively keeping
// every line that failed to parse (it might still be in-window; we
// cannot tell, so we never discard it).
func (s *fileSink) purgeOlderThan(days int) error {
	lines, err := s.readLines()
	if err != nil {
		return err
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".audit-*.tmp")
	if err != nil {
		return errs.New(errs.KindInternal, "AuditLog.purge", err)
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		if l.valid && l.event.Timestamp.Before(cutoff) {
			continue
		}
		fmt.Fprintln(w, l.raw)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New(errs.KindInternal, "AuditLog.purge", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New(errs.KindInternal, "AuditLog.purge", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.KindInternal, "AuditLog.purge", err)
	}
	return os.Rename(tmpName, s.path)
}
